package sandbox

import (
	"fmt"

	"github.com/0xffffa/hookbus/memory"
)

// RunTick runs the simulation tick routine n times.
func (h *Host) RunTick(n int) error {
	for i := 0; i < n; i++ {
		if err := h.Call(Tick); err != nil {
			return err
		}
	}
	return nil
}

// RunFrame runs the frame routine with the given frame delta.
func (h *Host) RunFrame(delta float32) error {
	if err := memory.WriteFloat32(h.Sim, FrameState+4, delta); err != nil {
		return err
	}
	return h.Call(Frame)
}

// UpdateCamera stores a camera position and runs the camera routine, which
// copies it to the view.
func (h *Host) UpdateCamera(x, y, z float32) error {
	for i, v := range []float32{x, y, z} {
		if err := memory.WriteFloat32(h.Sim, CameraState+uintptr(4*i), v); err != nil {
			return err
		}
	}
	return h.Call(Camera)
}

// ApplyDamage records a damage request and runs the damage routine.
func (h *Host) ApplyDamage(object, causer uint32, amount float32) error {
	if err := memory.WriteUint32(h.Sim, DamageState, object); err != nil {
		return err
	}
	if err := memory.WriteUint32(h.Sim, DamageState+4, causer); err != nil {
		return err
	}
	if err := memory.WriteFloat32(h.Sim, DamageState+8, amount); err != nil {
		return err
	}
	return h.Call(Damage)
}

// RenderUI renders one widget.
func (h *Host) RenderUI(widget uint32) error {
	if err := memory.WriteUint32(h.Sim, UIState, widget); err != nil {
		return err
	}
	return h.Call(UIRender)
}

// ReceiveMessage delivers a network message to the host.
func (h *Host) ReceiveMessage(channel uint32, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(payload), MaxPayload)
	}
	if err := memory.WriteUint32(h.Sim, NetworkState, channel); err != nil {
		return err
	}
	if err := memory.WriteUint32(h.Sim, NetworkState+4, uint32(len(payload))); err != nil {
		return err
	}
	if err := h.Sim.Write(NetworkState+0x10, payload); err != nil {
		return err
	}
	return h.Call(Network)
}

// Ticks returns the host tick counter.
func (h *Host) Ticks() uint32 { return h.u32(TickState) }

// Frames returns the host frame counter.
func (h *Host) Frames() uint32 { return h.u32(FrameState) }

// View returns the position the camera routine last applied.
func (h *Host) View() [3]float32 {
	var v [3]float32
	for i := range v {
		v[i], _ = memory.ReadFloat32(h.Sim, CameraState+0x10+uintptr(4*i))
	}
	return v
}

// Health returns the health of the damaged object.
func (h *Host) Health() float32 {
	f, _ := memory.ReadFloat32(h.Sim, DamageState+12)
	return f
}

// Drawn returns how many widgets were rendered.
func (h *Host) Drawn() uint32 { return h.u32(UIState + 4) }

// Handled returns how many network messages the host processed.
func (h *Host) Handled() uint32 { return h.u32(NetworkState + 8) }

func (h *Host) u32(addr uintptr) uint32 {
	v, _ := memory.ReadUint32(h.Sim, addr)
	return v
}
