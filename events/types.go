package events

import (
	"encoding/hex"
	"log/slog"

	"github.com/0xffffa/hookbus/event"
	"github.com/0xffffa/hookbus/memory"
)

// TickEvent fires around every simulation tick.
type TickEvent struct {
	event.Header
	// Tick is the host tick counter when the event was built.
	Tick uint32
}

// LogValue implements slog.LogValuer.
func (e *TickEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.Any("tick", e.Tick))
}

// FrameEvent fires around every rendered frame.
type FrameEvent struct {
	event.Header
	Frame uint32
	Delta float32
}

// LogValue implements slog.LogValuer.
func (e *FrameEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.Any("frame", e.Frame), slog.Float64("delta", float64(e.Delta)))
}

// Vec3 is a position in world space.
type Vec3 struct {
	X, Y, Z float32
}

// CameraEvent fires when the host applies the camera. Listeners may move
// the camera; the new position is written to the host camera struct.
type CameraEvent struct {
	event.Header
	Position Vec3
	FOV      float32

	mem  memory.Memory
	addr uintptr
}

// SetPosition moves the host camera.
func (e *CameraEvent) SetPosition(p Vec3) error {
	for i, v := range []float32{p.X, p.Y, p.Z} {
		if err := memory.WriteFloat32(e.mem, e.addr+uintptr(4*i), v); err != nil {
			return err
		}
	}
	e.Position = p
	return nil
}

// LogValue implements slog.LogValuer.
func (e *CameraEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("x", float64(e.Position.X)),
		slog.Float64("y", float64(e.Position.Y)),
		slog.Float64("z", float64(e.Position.Z)),
		slog.Float64("fov", float64(e.FOV)),
	)
}

// ObjectDamageEvent fires when an object is about to take damage, and again
// after it did. Cancelling the Before event prevents the damage.
type ObjectDamageEvent struct {
	event.Header
	Object uint32
	Causer uint32
	Amount float32

	mem  memory.Memory
	addr uintptr
}

// SetAmount changes the damage the host applies.
func (e *ObjectDamageEvent) SetAmount(amount float32) error {
	if err := memory.WriteFloat32(e.mem, e.addr+8, amount); err != nil {
		return err
	}
	e.Amount = amount
	return nil
}

// LogValue implements slog.LogValuer.
func (e *ObjectDamageEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("object", e.Object),
		slog.Any("causer", e.Causer),
		slog.Float64("amount", float64(e.Amount)),
	)
}

// UIRenderEvent fires around rendering of a widget. Cancelling the Before
// event hides the widget for that frame.
type UIRenderEvent struct {
	event.Header
	Widget uint32
}

// LogValue implements slog.LogValuer.
func (e *UIRenderEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.Any("widget", e.Widget))
}

// NetworkMessageEvent fires when the host receives a message. Cancelling
// the Before event drops it.
type NetworkMessageEvent struct {
	event.Header
	Channel uint32
	Payload []byte
}

// LogValue implements slog.LogValuer.
func (e *NetworkMessageEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("channel", e.Channel),
		slog.Int("length", len(e.Payload)),
		slog.String("payload", hex.EncodeToString(e.Payload)),
	)
}
