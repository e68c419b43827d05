// Package events defines the concrete event types raised by hooks in the
// host, and the Hub that binds each type's signatures, hook and bus
// together.
//
// Nothing is hooked until a feature is enabled. Enabling a feature resolves
// its signatures, installs a Trampoline hook on the host call site and
// dispatches a Before and an After event around every call:
//
//	hub, _ := events.NewHub(rt)
//	hub.Tick.Subscribe(func(e *events.TickEvent) error { ... })
//	if err := hub.EnableTick(); err != nil {
//		// logged and recorded by the runtime; other features keep working
//	}
//
// External consumers that do not know the concrete types (scripts, the
// console) use the name-based Subscribe, Remove and Debug methods.
package events

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/0xffffa/hookbus/core"
	"github.com/0xffffa/hookbus/event"
	"github.com/0xffffa/hookbus/signature"
)

// ErrUnknownEvent is returned for an event name the hub does not know.
var ErrUnknownEvent = errors.New("unknown event")

// Subscription is a listener subscribed through the name-based surface.
type Subscription struct {
	Event  string
	Handle event.Handle
}

// ID returns the listener id, unique per event.
func (s Subscription) ID() uint64 { return s.Handle.ID() }

// binding is the type-erased view of one event type.
type binding struct {
	subscribe func(fn func(event.Event) error, opts ...event.SubscribeOption) (event.Handle, error)
	remove    func(event.Handle) error
	debug     func(bool) (bool, error)
	debugging func() bool
	listeners func() int
	enable    func() error
}

// Hub owns one bus and one debug listener per event type.
type Hub struct {
	rt  *core.Runtime
	log *slog.Logger

	Tick           *event.Bus[*TickEvent]
	Frame          *event.Bus[*FrameEvent]
	Camera         *event.Bus[*CameraEvent]
	ObjectDamage   *event.Bus[*ObjectDamageEvent]
	UIRender       *event.Bus[*UIRenderEvent]
	NetworkMessage *event.Bus[*NetworkMessageEvent]

	bindings map[string]*binding
}

// NewHub creates the buses and registers the default signature table in the
// runtime's store. Signatures registered earlier under the same names, for
// instance from configuration, take precedence.
func NewHub(rt *core.Runtime) (*Hub, error) {
	for _, def := range DefaultSignatures() {
		if err := rt.Signatures.Register(def); err != nil && !errors.Is(err, signature.ErrDuplicateSignature) {
			return nil, fmt.Errorf("register default signatures: %w", err)
		}
	}

	opts := []event.BusOption{event.WithLogger(rt.Log), event.WithMetrics(rt.Metrics)}
	h := &Hub{
		rt:             rt,
		log:            rt.Log.With("component", "events"),
		Tick:           event.NewBus[*TickEvent](Tick, opts...),
		Frame:          event.NewBus[*FrameEvent](Frame, opts...),
		Camera:         event.NewBus[*CameraEvent](Camera, opts...),
		ObjectDamage:   event.NewBus[*ObjectDamageEvent](ObjectDamage, opts...),
		UIRender:       event.NewBus[*UIRenderEvent](UIRender, opts...),
		NetworkMessage: event.NewBus[*NetworkMessageEvent](NetworkMessage, opts...),
	}
	h.bindings = map[string]*binding{
		Tick:           bind(h, Tick, h.Tick, h.readTick),
		Frame:          bind(h, Frame, h.Frame, h.readFrame),
		Camera:         bind(h, Camera, h.Camera, h.readCamera),
		ObjectDamage:   bind(h, ObjectDamage, h.ObjectDamage, h.readObjectDamage),
		UIRender:       bind(h, UIRender, h.UIRender, h.readUIRender),
		NetworkMessage: bind(h, NetworkMessage, h.NetworkMessage, h.readNetworkMessage),
	}
	return h, nil
}

func bind[T event.Event](h *Hub, name string, bus *event.Bus[T], read reader[T]) *binding {
	dbg := event.NewDebugger(bus, h.log)
	return &binding{
		subscribe: func(fn func(event.Event) error, opts ...event.SubscribeOption) (event.Handle, error) {
			if fn == nil {
				return event.Handle{}, event.ErrNilListener
			}
			return bus.Subscribe(func(e T) error { return fn(e) }, opts...)
		},
		remove:    bus.Remove,
		debug:     dbg.Set,
		debugging: dbg.Enabled,
		listeners: bus.Len,
		enable: func() error {
			return h.rt.Enable(name, func() error { return install(h, name, bus, read) })
		},
	}
}

func (h *Hub) lookup(name string) (*binding, error) {
	b, ok := h.bindings[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return b, nil
}

// Runtime returns the runtime the hub is bound to.
func (h *Hub) Runtime() *core.Runtime { return h.rt }

// Names lists every event name.
func (h *Hub) Names() []string { return Names() }

// Subscribe adds fn to the named event's bus. fn receives the concrete event
// pointer behind the event.Event interface.
func (h *Hub) Subscribe(name string, p event.Priority, fn func(event.Event) error, opts ...event.SubscribeOption) (Subscription, error) {
	b, err := h.lookup(name)
	if err != nil {
		return Subscription{}, err
	}
	handle, err := b.subscribe(fn, append([]event.SubscribeOption{event.WithPriority(p)}, opts...)...)
	if err != nil {
		return Subscription{}, err
	}
	return Subscription{Event: name, Handle: handle}, nil
}

// Remove removes a listener added through Subscribe.
func (h *Hub) Remove(s Subscription) error {
	b, err := h.lookup(s.Event)
	if err != nil {
		return err
	}
	return b.remove(s.Handle)
}

// Listeners returns the number of live listeners on the named event.
func (h *Hub) Listeners(name string) (int, error) {
	b, err := h.lookup(name)
	if err != nil {
		return 0, err
	}
	return b.listeners(), nil
}

// Debug enables or disables the debug listener of the named event.
func (h *Hub) Debug(name string, enable bool) error {
	b, err := h.lookup(name)
	if err != nil {
		return err
	}
	changed, err := b.debug(enable)
	if err != nil {
		return err
	}
	if changed {
		h.log.Info("debug listener toggled", "event", name, "enabled", enable)
	}
	return nil
}

// Debugging reports whether the named event's debug listener is enabled.
func (h *Hub) Debugging(name string) bool {
	b, err := h.lookup(name)
	return err == nil && b.debugging()
}

// Enable enables the named feature.
func (h *Hub) Enable(name string) error {
	b, err := h.lookup(name)
	if err != nil {
		return err
	}
	return b.enable()
}

// EnableAll enables every feature. Failures are joined; successful features
// stay enabled.
func (h *Hub) EnableAll() error {
	var errs []error
	for _, name := range Names() {
		if err := h.Enable(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnableTick hooks the simulation tick.
func (h *Hub) EnableTick() error { return h.Enable(Tick) }

// EnableFrame hooks frame rendering.
func (h *Hub) EnableFrame() error { return h.Enable(Frame) }

// EnableCamera hooks the camera update.
func (h *Hub) EnableCamera() error { return h.Enable(Camera) }

// EnableObjectDamage hooks damage application.
func (h *Hub) EnableObjectDamage() error { return h.Enable(ObjectDamage) }

// EnableUIRender hooks widget rendering.
func (h *Hub) EnableUIRender() error { return h.Enable(UIRender) }

// EnableNetworkMessage hooks network message handling.
func (h *Hub) EnableNetworkMessage() error { return h.Enable(NetworkMessage) }
