package events

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/0xffffa/hookbus/event"
	"github.com/0xffffa/hookbus/hook"
	"github.com/0xffffa/hookbus/memory"
)

// maxPayload bounds how much of a network message is copied into an event.
const maxPayload = 0x1000

// reader builds an event from the host state block at state.
type reader[T event.Event] func(state uintptr, t event.Time) (T, error)

// install resolves the feature's call site and state pointer, then hooks the
// call site so every call dispatches a Before and, unless cancelled, an After
// event on bus.
func install[T event.Event](h *Hub, name string, bus *event.Bus[T], read reader[T]) error {
	site, err := h.rt.Signatures.Find(name)
	if err != nil {
		return err
	}
	operand, err := h.rt.Signatures.Find(name + StateSuffix)
	if err != nil {
		return err
	}
	state, err := memory.ReadPointer32(h.rt.Process, operand)
	if err != nil {
		return fmt.Errorf("read %s state pointer: %w", name, err)
	}

	dispatch := func(t event.Time) (T, bool) {
		var zero T
		if bus.Len() == 0 {
			return zero, false
		}
		e, err := read(state, t)
		if err != nil {
			h.log.Error("failed to build event", "event", name, "phase", t.String(), "err", err)
			return zero, false
		}
		bus.Dispatch(e)
		return e, true
	}

	_, err = h.rt.Hooks.Install(site,
		hook.WithName(name),
		hook.WithBefore(func() bool {
			e, ok := dispatch(event.Before)
			return ok && e.Cancelled()
		}),
		hook.WithAfter(func() {
			dispatch(event.After)
		}),
	)
	return err
}

func (h *Hub) read(addr uintptr, n int) ([]byte, error) {
	return h.rt.Process.Read(addr, n)
}

func f32(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }

func (h *Hub) readTick(state uintptr, t event.Time) (*TickEvent, error) {
	v, err := memory.ReadUint32(h.rt.Process, state)
	if err != nil {
		return nil, err
	}
	return &TickEvent{Header: event.NewHeader(t, false), Tick: v}, nil
}

func (h *Hub) readFrame(state uintptr, t event.Time) (*FrameEvent, error) {
	b, err := h.read(state, 8)
	if err != nil {
		return nil, err
	}
	return &FrameEvent{
		Header: event.NewHeader(t, false),
		Frame:  binary.LittleEndian.Uint32(b),
		Delta:  f32(b[4:]),
	}, nil
}

func (h *Hub) readCamera(state uintptr, t event.Time) (*CameraEvent, error) {
	b, err := h.read(state, 16)
	if err != nil {
		return nil, err
	}
	return &CameraEvent{
		Header:   event.NewHeader(t, false),
		Position: Vec3{X: f32(b[0:]), Y: f32(b[4:]), Z: f32(b[8:])},
		FOV:      f32(b[12:]),
		mem:      h.rt.Process,
		addr:     state,
	}, nil
}

func (h *Hub) readObjectDamage(state uintptr, t event.Time) (*ObjectDamageEvent, error) {
	b, err := h.read(state, 12)
	if err != nil {
		return nil, err
	}
	return &ObjectDamageEvent{
		Header: event.NewHeader(t, t == event.Before),
		Object: binary.LittleEndian.Uint32(b[0:]),
		Causer: binary.LittleEndian.Uint32(b[4:]),
		Amount: f32(b[8:]),
		mem:    h.rt.Process,
		addr:   state,
	}, nil
}

func (h *Hub) readUIRender(state uintptr, t event.Time) (*UIRenderEvent, error) {
	v, err := memory.ReadUint32(h.rt.Process, state)
	if err != nil {
		return nil, err
	}
	return &UIRenderEvent{Header: event.NewHeader(t, t == event.Before), Widget: v}, nil
}

func (h *Hub) readNetworkMessage(state uintptr, t event.Time) (*NetworkMessageEvent, error) {
	b, err := h.read(state, 8)
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(b[4:])
	if n > maxPayload {
		return nil, fmt.Errorf("message length %d exceeds %d", n, maxPayload)
	}
	var payload []byte
	if n > 0 {
		if payload, err = h.read(state+0x10, int(n)); err != nil {
			return nil, err
		}
	}
	return &NetworkMessageEvent{
		Header:  event.NewHeader(t, t == event.Before),
		Channel: binary.LittleEndian.Uint32(b),
		Payload: payload,
	}, nil
}
