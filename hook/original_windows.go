//go:build windows

package hook

import (
	"fmt"

	"github.com/0xffffa/hookbus/trampoline"
)

// OriginalFunc wraps the hook's original stub as a callable Go func of type T.
// It is only meaningful for hooks placed on a function entry, where the stub
// behaves like the unhooked function.
func OriginalFunc[T any](h *Hook) (T, error) {
	if h.released {
		var zero T
		return zero, fmt.Errorf("original of %s: %w", h.name, ErrHookNotFound)
	}
	return trampoline.WrapFunction[T](h.Original())
}
