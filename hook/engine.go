// Package hook installs codecave hooks at arbitrary instruction boundaries
// inside a process image.
//
// A hook overwrites the instructions at its address with a JMP rel32 into a
// codecave allocated within reach. The codecave calls native gates that run
// the Go callbacks, runs the relocated original instructions (Trampoline) or
// skips them (Override), then jumps back past the patched region.
package hook

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/0xffffa/hookbus/memory"
	"github.com/0xffffa/hookbus/metrics"
	"github.com/0xffffa/hookbus/trampoline"
)

// Engine owns every hook installed in one process.
type Engine struct {
	proc    memory.Process
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	hooks []*Hook

	inCallback atomic.Int32
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine patching proc.
func NewEngine(proc memory.Process, opts ...EngineOption) *Engine {
	e := &Engine{proc: proc, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = metrics.OrNew(e.metrics)
	e.log = e.log.With("component", "hook")
	return e
}

// InCallback reports whether a hook callback is running.
func (e *Engine) InCallback() bool { return e.inCallback.Load() > 0 }

// Install hooks the instruction at addr. Whole instructions covering at least
// five bytes are relocated into the codecave; none of them may be shared with
// another hook.
func (e *Engine) Install(addr uintptr, opts ...Option) (*Hook, error) {
	o := options{runOriginal: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("%#x", addr)
	}

	fail := func(err error) (*Hook, error) {
		e.log.Error("hook install failed", "hook", o.name, "address", fmt.Sprintf("%#x", addr), "err", err)
		return nil, &InstallError{Address: addr, Name: o.name, Err: err}
	}

	if e.InCallback() {
		return fail(ErrInstallInCallback)
	}
	if n := e.proc.PointerSize(); n != 4 {
		return fail(fmt.Errorf("%w: pointer size %d", ErrUnsupportedArch, n))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	site, err := trampoline.ReadSite(e.proc, addr)
	if err != nil {
		return fail(err)
	}
	insts, n, err := trampoline.Decode(site, addr, trampoline.JmpSize)
	if err != nil {
		return fail(err)
	}
	if other := e.overlapping(addr, n); other != nil {
		return fail(fmt.Errorf("%w by %s", ErrAlreadyHooked, other.name))
	}

	caveBase, err := e.proc.AllocNear(addr, trampoline.MaxCaveSize)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrCaveAlloc, err))
	}

	h := &Hook{
		engine:  e,
		name:    o.name,
		addr:    addr,
		kind:    Trampoline,
		before:  o.before,
		after:   o.after,
		reentry: o.reentry,
	}
	if !o.runOriginal {
		h.kind = Override
	}

	cave, err := e.buildCave(h, caveBase, insts)
	if err != nil {
		e.proc.Free(caveBase)
		return fail(err)
	}
	h.cave = cave

	patch, err := trampoline.Apply(e.proc, addr, caveBase, n)
	if err != nil {
		e.proc.Free(caveBase)
		return fail(err)
	}
	h.patch = patch

	e.hooks = append(e.hooks, h)
	e.log.Info("hook installed",
		"hook", h.name,
		"kind", h.kind.String(),
		"address", fmt.Sprintf("%#x", addr),
		"cave", fmt.Sprintf("%#x", caveBase),
		"length", n)
	return h, nil
}

func (e *Engine) buildCave(h *Hook, base uintptr, insts []trampoline.Instruction) (*trampoline.Cave, error) {
	enter, err := e.proc.Callback(h.enter)
	if err != nil {
		return nil, fmt.Errorf("register enter gate: %w", err)
	}
	exit, err := e.proc.Callback(h.exit)
	if err != nil {
		return nil, fmt.Errorf("register exit gate: %w", err)
	}
	cave, err := trampoline.BuildCave(h.kind, base, insts, trampoline.Gates{Enter: enter, Exit: exit})
	if err != nil {
		return nil, err
	}
	if err := e.proc.Write(base, cave.Code); err != nil {
		return nil, fmt.Errorf("write cave: %w", err)
	}
	return cave, nil
}

func (e *Engine) overlapping(addr uintptr, n int) *Hook {
	end := addr + uintptr(n)
	for _, h := range e.hooks {
		hend := h.addr + uintptr(h.patch.Len())
		if addr < hend && h.addr < end {
			return h
		}
	}
	return nil
}

// Lookup returns the hook installed exactly at addr.
func (e *Engine) Lookup(addr uintptr) (*Hook, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.hooks {
		if h.addr == addr {
			return h, true
		}
	}
	return nil, false
}

// Hooks returns the installed hooks ordered by address.
func (e *Engine) Hooks() []*Hook {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]*Hook(nil), e.hooks...)
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Release restores the original bytes and frees the codecave. The hook
// cannot be reused.
func (h *Hook) Release() error {
	e := h.engine
	if e.InCallback() {
		return fmt.Errorf("release %s: %w", h.name, ErrInstallInCallback)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(h)
}

func (e *Engine) releaseLocked(h *Hook) error {
	idx := -1
	for i, x := range e.hooks {
		if x == h {
			idx = i
			break
		}
	}
	if idx < 0 || h.released {
		return fmt.Errorf("release %s: %w", h.name, ErrHookNotFound)
	}
	if !h.patch.Intact(e.proc) {
		e.log.Warn("hook patch was modified by someone else", "hook", h.name)
	}
	if err := h.patch.Restore(e.proc); err != nil {
		return fmt.Errorf("release %s: %w", h.name, err)
	}
	if err := e.proc.Free(h.cave.Base); err != nil {
		e.log.Warn("failed to free codecave", "hook", h.name, "err", err)
	}
	h.released = true
	e.hooks = append(e.hooks[:idx], e.hooks[idx+1:]...)
	e.log.Info("hook released", "hook", h.name)
	return nil
}

// ReleaseAll releases every hook, most recent first, and joins the errors.
func (e *Engine) ReleaseAll() error {
	if e.InCallback() {
		return fmt.Errorf("release all: %w", ErrInstallInCallback)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for len(e.hooks) > 0 {
		h := e.hooks[len(e.hooks)-1]
		if err := e.releaseLocked(h); err != nil {
			errs = append(errs, err)
			e.hooks = e.hooks[:len(e.hooks)-1]
		}
	}
	return errors.Join(errs...)
}
