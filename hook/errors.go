package hook

import (
	"errors"
	"fmt"
)

var (
	// ErrHookInstall is matched by every installation failure.
	ErrHookInstall = errors.New("hook install failed")

	// ErrAlreadyHooked means another hook owns bytes in the target region.
	ErrAlreadyHooked = errors.New("address already hooked")

	// ErrCaveAlloc means no executable block could be placed within reach.
	ErrCaveAlloc = errors.New("codecave allocation failed")

	// ErrUnsupportedArch means the host is not a 32-bit x86 process. Codecaves
	// use pushad and pushfd, which do not exist in 64-bit mode.
	ErrUnsupportedArch = errors.New("hooks require a 32-bit host")

	// ErrHookNotFound is returned when releasing a hook that is not installed.
	ErrHookNotFound = errors.New("hook not found")

	// ErrInstallInCallback is returned when Install or Release runs while a
	// hook callback is executing. Installation must happen before the hooked
	// code path can run.
	ErrInstallInCallback = errors.New("hook installation from inside a hook callback")

	// ErrReentrancyViolation is reported when a non-reentrant hook is entered
	// again while its callbacks are active. The invocation runs the original
	// without callbacks.
	ErrReentrancyViolation = errors.New("reentrant hook invocation")
)

// InstallError wraps the cause of a failed Install.
type InstallError struct {
	Address uintptr
	Name    string
	Err     error
}

// Error implements the error interface.
func (e *InstallError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("install hook %s at %#x: %v", e.Name, e.Address, e.Err)
	}
	return fmt.Sprintf("install hook at %#x: %v", e.Address, e.Err)
}

// Unwrap returns the underlying error.
func (e *InstallError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrHookInstall.
func (e *InstallError) Is(target error) bool { return target == ErrHookInstall }
