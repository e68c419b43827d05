package hook

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/0xffffa/hookbus/trampoline"
)

// Kind is the hook flavour.
type Kind = trampoline.Kind

const (
	// Trampoline hooks run the original instructions unless cancelled.
	Trampoline = trampoline.KindTrampoline
	// Override hooks replace the original instructions; the callback may
	// still run them through Original.
	Override = trampoline.KindOverride
)

// Option configures a hook at install time.
type Option func(*options)

type options struct {
	name        string
	before      func() bool
	after       func()
	runOriginal bool
	reentry     bool
}

// WithName labels the hook in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithBefore sets the callback run before the original. Returning true
// cancels the original (and the After callback) for this invocation only.
func WithBefore(fn func() bool) Option {
	return func(o *options) { o.before = fn }
}

// WithAfter sets the callback run after the original.
func WithAfter(fn func()) Option {
	return func(o *options) { o.after = fn }
}

// RunOriginal selects a Trampoline hook (true, the default) or an Override
// hook (false).
func RunOriginal(run bool) Option {
	return func(o *options) { o.runOriginal = run }
}

// AllowReentry lets the hook fire again while its own callbacks, or the
// original it wraps, are still running.
func AllowReentry(allow bool) Option {
	return func(o *options) { o.reentry = allow }
}

// Stats are per-hook counters.
type Stats struct {
	Invocations uint64
	Cancelled   uint64
	Bypassed    uint64
}

// Hook is an installed redirection. It owns the patched bytes at its address
// until Release.
type Hook struct {
	engine *Engine
	name   string
	addr   uintptr
	kind   Kind

	before  func() bool
	after   func()
	reentry bool

	patch *trampoline.Patch
	cave  *trampoline.Cave

	// frames records, per live invocation, whether callbacks fired. Hooks
	// run on the host thread that calls them; there is no locking here.
	frames []bool
	active int

	invocations atomic.Uint64
	cancelled   atomic.Uint64
	bypassed    atomic.Uint64

	released bool
}

// Name returns the hook label.
func (h *Hook) Name() string { return h.name }

// Address returns the hooked address.
func (h *Hook) Address() uintptr { return h.addr }

// Kind returns the hook flavour.
func (h *Hook) Kind() Kind { return h.kind }

// Len is the number of bytes patched at Address.
func (h *Hook) Len() int { return h.patch.Len() }

// Cave returns the codecave address.
func (h *Hook) Cave() uintptr { return h.cave.Base }

// Original returns the entry of a stub that runs the relocated original
// instructions and continues after the patched region.
func (h *Hook) Original() uintptr { return h.cave.Original }

// Stats returns a snapshot of the hook counters.
func (h *Hook) Stats() Stats {
	return Stats{
		Invocations: h.invocations.Load(),
		Cancelled:   h.cancelled.Load(),
		Bypassed:    h.bypassed.Load(),
	}
}

func (h *Hook) String() string {
	return fmt.Sprintf("%s hook %s at %#x", h.kind, h.name, h.addr)
}

// enter is the native gate called at codecave entry. A non-zero result makes
// a Trampoline cave skip the original, and an Override cave run the original
// without calling exit.
func (h *Hook) enter() uintptr {
	h.invocations.Add(1)
	h.engine.metrics.HookInvocations.WithLabelValues(h.name).Inc()

	if h.active > 0 && !h.reentry {
		h.bypassed.Add(1)
		h.engine.metrics.HookReentryBypass.WithLabelValues(h.name).Inc()
		h.engine.log.Debug("hook bypassed", "hook", h.name, "err", ErrReentrancyViolation)
		if h.kind == Override {
			return 1
		}
		h.frames = append(h.frames, false)
		return 0
	}

	h.frames = append(h.frames, true)
	h.active++
	cancel := h.callBefore()
	if cancel && h.kind == Trampoline {
		h.frames = h.frames[:len(h.frames)-1]
		h.active--
		h.cancelled.Add(1)
		h.engine.metrics.HookCancellations.WithLabelValues(h.name).Inc()
		return 1
	}
	return 0
}

// exit is the native gate called once the original has run (Trampoline) or
// right after enter (Override).
func (h *Hook) exit() uintptr {
	n := len(h.frames)
	if n == 0 {
		h.engine.log.Error("hook exit without matching enter", "hook", h.name)
		return 0
	}
	fired := h.frames[n-1]
	h.frames = h.frames[:n-1]
	if fired {
		h.callAfter()
		h.active--
	}
	return 0
}

func (h *Hook) callBefore() (cancel bool) {
	if h.before == nil {
		return false
	}
	h.engine.inCallback.Add(1)
	defer h.engine.inCallback.Add(-1)
	defer h.recoverCallback("before", &cancel)
	return h.before()
}

func (h *Hook) callAfter() {
	if h.after == nil {
		return
	}
	h.engine.inCallback.Add(1)
	defer h.engine.inCallback.Add(-1)
	defer h.recoverCallback("after", nil)
	h.after()
}

// recoverCallback keeps a panic from unwinding into host frames.
func (h *Hook) recoverCallback(phase string, cancel *bool) {
	r := recover()
	if r == nil {
		return
	}
	if cancel != nil {
		*cancel = false
	}
	h.engine.metrics.HookCallbackPanics.WithLabelValues(h.name).Inc()
	h.engine.log.Error("hook callback panicked",
		"hook", h.name, "phase", phase, "panic", r, "stack", string(debug.Stack()))
}
