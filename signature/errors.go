package signature

import (
	"errors"
	"fmt"
)

var (
	// ErrSignatureNotFound is returned when a pattern has fewer matches in
	// the module than the requested match index needs.
	ErrSignatureNotFound = errors.New("signature not found")

	// ErrUnknownSignature is returned for names that were never registered.
	ErrUnknownSignature = errors.New("unknown signature")

	// ErrDuplicateSignature is returned when a name is registered twice.
	ErrDuplicateSignature = errors.New("duplicate signature")

	// ErrInvalidPattern is returned for malformed pattern strings.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrInvalidMatch is returned for a negative match index.
	ErrInvalidMatch = errors.New("invalid match index")

	// ErrNotResolved is returned by Restore for a signature that was never found.
	ErrNotResolved = errors.New("signature not resolved")
)

// NotFoundError reports a failed resolution.
type NotFoundError struct {
	Name    string
	Pattern Pattern
	Match   int
	Found   int
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	name := e.Name
	if name == "" {
		name = e.Pattern.String()
	}
	return fmt.Sprintf("signature %s: wanted match %d, found %d", name, e.Match, e.Found)
}

// Is lets errors.Is match ErrSignatureNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrSignatureNotFound
}
