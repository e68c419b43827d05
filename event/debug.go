package event

import (
	"log/slog"
	"sync"
)

// Debugger toggles a Highest priority listener that logs every event on a
// bus. Event types implementing slog.LogValuer are logged field by field.
type Debugger[T Event] struct {
	bus *Bus[T]
	log *slog.Logger

	mu     sync.Mutex
	handle *Handle
}

// NewDebugger creates a disabled debugger for bus.
func NewDebugger[T Event](bus *Bus[T], log *slog.Logger) *Debugger[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Debugger[T]{bus: bus, log: log.With("component", "debug")}
}

// Set enables or disables the debug listener. It reports whether the state
// changed.
func (d *Debugger[T]) Set(enable bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if enable == (d.handle != nil) {
		return false, nil
	}
	if !enable {
		err := d.bus.Remove(*d.handle)
		d.handle = nil
		return true, err
	}
	h, err := d.bus.Subscribe(d.logEvent, WithPriority(Highest), WithName("debug"))
	if err != nil {
		return false, err
	}
	d.handle = &h
	return true, nil
}

// Enabled reports whether the debug listener is subscribed.
func (d *Debugger[T]) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle != nil
}

func (d *Debugger[T]) logEvent(e T) error {
	d.log.Info(d.bus.Name(),
		slog.String("phase", e.Time().String()),
		slog.Bool("cancelled", e.Cancelled()),
		slog.Any("event", e))
	return nil
}
