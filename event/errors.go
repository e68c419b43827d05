package event

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCancellation is returned by Cancel on an event type that
	// cannot be cancelled. It signals a programming error in the listener.
	ErrInvalidCancellation = errors.New("event is not cancellable")

	// ErrListenerNotFound is returned when removing an unknown or already
	// removed listener.
	ErrListenerNotFound = errors.New("listener not found")

	// ErrNilListener is returned by Subscribe for a nil callback.
	ErrNilListener = errors.New("listener cannot be nil")

	// ErrListenerPanic is matched by PanicError.
	ErrListenerPanic = errors.New("listener panicked")
)

// ListenerError wraps an error returned by a listener.
type ListenerError struct {
	// Event is the name of the bus the listener is subscribed to.
	Event string

	// ID and Name identify the listener.
	ID   uint64
	Name string

	Err error
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %d (%s) on %s: %v", e.ID, e.Name, e.Event, e.Err)
}

// Unwrap returns the underlying error.
func (e *ListenerError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking listener.
type PanicError struct {
	Event string
	ID    uint64
	Name  string

	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace at the time of the panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("listener %d (%s) on %s panicked: %v", e.ID, e.Name, e.Event, e.Value)
}

// Is allows errors.Is to match PanicError with ErrListenerPanic.
func (e *PanicError) Is(target error) bool {
	return target == ErrListenerPanic
}
