package event

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/0xffffa/hookbus/metrics"
)

// Listener is a callback subscribed to a Bus. The event is shared with the
// other listeners of the same dispatch.
type Listener[T Event] func(e T) error

// Handle identifies a subscription.
type Handle struct {
	id       uint64
	priority Priority
}

// ID returns the listener id, unique within its bus.
func (h Handle) ID() uint64 { return h.id }

// Priority returns the tier the listener was subscribed to.
func (h Handle) Priority() Priority { return h.priority }

type entry[T Event] struct {
	id      uint64
	name    string
	fn      Listener[T]
	once    bool
	removed atomic.Bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	priority Priority
	name     string
	once     bool
}

// WithPriority sets the listener tier. The default is Default.
func WithPriority(p Priority) SubscribeOption {
	return func(c *subscribeConfig) { c.priority = p }
}

// WithName labels the listener in logs.
func WithName(name string) SubscribeOption {
	return func(c *subscribeConfig) { c.name = name }
}

// WithOnce removes the listener after its first call.
func WithOnce() SubscribeOption {
	return func(c *subscribeConfig) { c.once = true }
}

// BusOption configures a Bus.
type BusOption func(*busConfig)

type busConfig struct {
	log     *slog.Logger
	metrics *metrics.Metrics
}

// WithLogger sets the logger listener failures are reported to.
func WithLogger(l *slog.Logger) BusOption {
	return func(c *busConfig) { c.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) BusOption {
	return func(c *busConfig) { c.metrics = m }
}

// Bus dispatches events of one type to prioritized listeners.
//
// The internal lock is never held while a listener runs, so listeners may
// subscribe, remove and dispatch freely.
type Bus[T Event] struct {
	name    string
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	tiers  [numPriorities][]*entry[T]
	nextID uint64
	live   int
	// depth counts dispatches in progress. Tiers are only compacted when a
	// single dispatch is running so indices stay valid for nested ones.
	depth int
}

// NewBus creates a bus. name labels the event type in logs and metrics.
func NewBus[T Event](name string, opts ...BusOption) *Bus[T] {
	c := busConfig{log: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	return &Bus[T]{
		name:    name,
		log:     c.log.With("component", "event", "event", name),
		metrics: metrics.OrNew(c.metrics),
	}
}

// Name returns the bus name.
func (b *Bus[T]) Name() string { return b.name }

// Subscribe adds fn at the end of its priority tier.
func (b *Bus[T]) Subscribe(fn Listener[T], opts ...SubscribeOption) (Handle, error) {
	c := subscribeConfig{priority: Default}
	for _, opt := range opts {
		opt(&c)
	}
	if fn == nil {
		return Handle{}, ErrNilListener
	}
	if !c.priority.Valid() {
		return Handle{}, fmt.Errorf("subscribe to %s: invalid priority %d", b.name, c.priority)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	e := &entry[T]{id: b.nextID, name: c.name, fn: fn, once: c.once}
	if e.name == "" {
		e.name = fmt.Sprintf("listener-%d", e.id)
	}
	b.tiers[c.priority] = append(b.tiers[c.priority], e)
	b.live++
	return Handle{id: e.id, priority: c.priority}, nil
}

// Remove tombstones the listener. It will not be called again; its entry is
// erased by the next dispatch of its tier.
func (b *Bus[T]) Remove(h Handle) error {
	if !h.priority.Valid() {
		return ErrListenerNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.tiers[h.priority] {
		if e.id == h.id {
			if !b.removeLocked(e) {
				break
			}
			return nil
		}
	}
	return fmt.Errorf("remove %d from %s: %w", h.id, b.name, ErrListenerNotFound)
}

func (b *Bus[T]) removeLocked(e *entry[T]) bool {
	if !e.removed.CompareAndSwap(false, true) {
		return false
	}
	b.live--
	return true
}

// Len returns the number of listeners that have not been removed.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Dispatch calls every live listener with e, tier by tier. Listeners added
// during the dispatch are not called until the next one.
func (b *Bus[T]) Dispatch(e T) {
	b.metrics.EventDispatches.WithLabelValues(b.name, e.Time().String()).Inc()

	b.mu.Lock()
	b.depth++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.depth--
		b.mu.Unlock()
	}()

	for p := Highest; p <= Lowest; p++ {
		b.dispatchTier(p, e)
	}
}

func (b *Bus[T]) dispatchTier(p Priority, e T) {
	b.mu.Lock()
	n := len(b.tiers[p])
	b.mu.Unlock()
	if n == 0 {
		return
	}

	tombstones := false
	for i := 0; i < n; i++ {
		b.mu.Lock()
		ent := b.tiers[p][i]
		b.mu.Unlock()
		if ent.removed.Load() {
			tombstones = true
			continue
		}
		if ent.once {
			b.mu.Lock()
			b.removeLocked(ent)
			b.mu.Unlock()
		}
		b.call(ent, e)
		if ent.removed.Load() {
			tombstones = true
		}
	}

	if tombstones {
		b.mu.Lock()
		if b.depth == 1 {
			b.compactLocked(p, n)
		}
		b.mu.Unlock()
	}
}

// compactLocked erases removed entries among the first n of tier p, keeping
// the order of survivors and of entries appended after them.
func (b *Bus[T]) compactLocked(p Priority, n int) {
	tier := b.tiers[p]
	w := 0
	for r := 0; r < n; r++ {
		if !tier[r].removed.Load() {
			tier[w] = tier[r]
			w++
		}
	}
	if w == n {
		return
	}
	kept := append(tier[:w], tier[n:]...)
	clear(tier[len(kept):])
	b.tiers[p] = kept
}

func (b *Bus[T]) call(ent *entry[T], e T) {
	defer func() {
		if r := recover(); r != nil {
			b.report(ent, &PanicError{
				Event: b.name,
				ID:    ent.id,
				Name:  ent.name,
				Value: r,
				Stack: string(debug.Stack()),
			})
		}
	}()
	if err := ent.fn(e); err != nil {
		b.report(ent, &ListenerError{Event: b.name, ID: ent.id, Name: ent.name, Err: err})
	}
}

func (b *Bus[T]) report(ent *entry[T], err error) {
	b.metrics.ListenerErrors.WithLabelValues(b.name).Inc()
	attrs := []any{"listener", ent.id, "name", ent.name, "err", err}
	if pe, ok := err.(*PanicError); ok {
		attrs = append(attrs, "stack", pe.Stack)
	}
	b.log.Error("listener failed", attrs...)
}
