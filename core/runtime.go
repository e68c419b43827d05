// Package core holds the process-wide state of an instrumentation session:
// the target process, the signature store and hook engine bound to it, and
// the init-once flags of every feature.
//
// A Runtime is created once per attach and injected wherever it is needed.
// Teardown releases every hook and resets the feature flags, so a fresh
// session (or the next test) starts clean.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/0xffffa/hookbus/hook"
	"github.com/0xffffa/hookbus/memory"
	"github.com/0xffffa/hookbus/metrics"
	"github.com/0xffffa/hookbus/signature"
)

// FeatureState is the lifecycle state of a feature.
type FeatureState int

const (
	// FeatureEnabled means the feature initialized successfully.
	FeatureEnabled FeatureState = iota
	// FeatureFailed means initialization failed and the feature is disabled
	// until Teardown.
	FeatureFailed
)

// String returns a human-readable state name.
func (s FeatureState) String() string {
	switch s {
	case FeatureEnabled:
		return "enabled"
	case FeatureFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FeatureStatus describes one feature.
type FeatureStatus struct {
	Name  string
	State FeatureState
	Err   error
}

// FeatureError reports a failed feature initialization.
type FeatureError struct {
	Feature string
	Err     error
}

// Error implements the error interface.
func (e *FeatureError) Error() string {
	return fmt.Sprintf("feature %s disabled: %v", e.Feature, e.Err)
}

// Unwrap returns the underlying error.
func (e *FeatureError) Unwrap() error { return e.Err }

// Options configures a Runtime.
type Options struct {
	// Logger is the root logger. Every line carries the session id.
	Logger *slog.Logger

	// Metrics is shared by every component. A private set is created when nil.
	Metrics *metrics.Metrics

	// ModuleName selects the module signatures are resolved in. Empty means
	// the main module.
	ModuleName string

	// OnFeatureError is called for every failed feature, after logging. It
	// stands in for the interactive error dialog of a host UI.
	OnFeatureError func(*FeatureError)
}

// Runtime is the state of one instrumentation session.
type Runtime struct {
	ID         uuid.UUID
	Log        *slog.Logger
	Process    memory.Process
	Module     memory.Module
	Signatures *signature.Store
	Hooks      *hook.Engine
	Metrics    *metrics.Metrics

	onFeatureError func(*FeatureError)

	mu       sync.Mutex
	features map[string]*FeatureStatus
}

// New creates a runtime for proc.
func New(proc memory.Process, opts Options) (*Runtime, error) {
	id := uuid.New()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", id.String())

	mod, err := proc.Module(opts.ModuleName)
	if err != nil {
		return nil, fmt.Errorf("resolve module %q: %w", opts.ModuleName, err)
	}

	m := metrics.OrNew(opts.Metrics)
	r := &Runtime{
		ID:             id,
		Log:            log,
		Process:        proc,
		Module:         mod,
		Metrics:        m,
		onFeatureError: opts.OnFeatureError,
		features:       make(map[string]*FeatureStatus),
	}
	r.Signatures = signature.NewStore(proc, mod, signature.WithLogger(log), signature.WithMetrics(m))
	r.Hooks = hook.NewEngine(proc, hook.WithLogger(log), hook.WithMetrics(m))

	log.Info("runtime attached", "module", mod.String())
	return r, nil
}

// Enable runs init for the named feature once. Later calls return nil if
// it succeeded, or the original *FeatureError if it failed. A failure is
// logged and reported but never affects other features.
func (r *Runtime) Enable(name string, init func() error) error {
	r.mu.Lock()
	if st, ok := r.features[name]; ok {
		r.mu.Unlock()
		return st.Err
	}
	r.mu.Unlock()

	err := init()

	r.mu.Lock()
	if st, ok := r.features[name]; ok {
		// init enabled the same feature recursively.
		r.mu.Unlock()
		return st.Err
	}
	if err == nil {
		r.features[name] = &FeatureStatus{Name: name, State: FeatureEnabled}
		r.mu.Unlock()
		r.Log.Info("feature enabled", "feature", name)
		return nil
	}
	fe := &FeatureError{Feature: name, Err: err}
	r.features[name] = &FeatureStatus{Name: name, State: FeatureFailed, Err: fe}
	r.mu.Unlock()

	r.Log.Error("feature initialization failed", "feature", name, "err", err)
	if r.onFeatureError != nil {
		r.onFeatureError(fe)
	}
	return fe
}

// Enabled reports whether the named feature initialized successfully.
func (r *Runtime) Enabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.features[name]
	return ok && st.State == FeatureEnabled
}

// Status returns every feature that was enabled or attempted, by name.
func (r *Runtime) Status() []FeatureStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FeatureStatus, 0, len(r.features))
	for _, st := range r.features {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Teardown releases every hook and forgets which features were enabled.
func (r *Runtime) Teardown() error {
	err := r.Hooks.ReleaseAll()
	r.mu.Lock()
	r.features = make(map[string]*FeatureStatus)
	r.mu.Unlock()
	if err != nil {
		r.Log.Error("teardown left hooks behind", "err", err)
		return fmt.Errorf("teardown: %w", err)
	}
	r.Log.Info("runtime detached")
	return nil
}

// FailedFeatures returns the errors of every failed feature joined together,
// or nil.
func (r *Runtime) FailedFeatures() error {
	var errs []error
	for _, st := range r.Status() {
		if st.State == FeatureFailed {
			errs = append(errs, st.Err)
		}
	}
	return errors.Join(errs...)
}
