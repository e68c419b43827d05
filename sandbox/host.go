// Package sandbox builds a small synthetic game executable inside a
// memory.Sim and drives it with the emu interpreter. Its routines carry the
// byte shapes the default signature table looks for, so the whole stack of
// signature resolution, hooking and event dispatch can run without a real
// host process.
//
// Every routine has the same layout:
//
//	mov eax, <routine id>     B8 id 00 00 00
//	mov eax, [<state>]        A1 addr32
//	call <native action>      E8 rel32
//	nop; nop                  90 90
//	ret                       C3
//
// The native action is a Go function updating the routine's state block in
// the data segment.
package sandbox

import (
	"fmt"
	"math"

	"github.com/0xffffa/hookbus/emu"
	"github.com/0xffffa/hookbus/memory"
	"github.com/0xffffa/hookbus/trampoline"
)

// Routine identifies one host routine. Its value is the immediate of the
// routine's first instruction.
type Routine uint8

const (
	Tick Routine = iota + 1
	Frame
	Camera
	Damage
	UIRender
	Network
)

var routineNames = map[Routine]string{
	Tick:     "tick",
	Frame:    "frame",
	Camera:   "camera",
	Damage:   "object_damage",
	UIRender: "ui_render",
	Network:  "network_message",
}

func (r Routine) String() string {
	if n, ok := routineNames[r]; ok {
		return n
	}
	return fmt.Sprintf("routine(%d)", uint8(r))
}

// Routines lists every routine in id order.
func Routines() []Routine {
	return []Routine{Tick, Frame, Camera, Damage, UIRender, Network}
}

const (
	// ImageBase is where the host executable is loaded.
	ImageBase = 0x400000
	// CodeOffset is the offset of the first routine in the image.
	CodeOffset = 0x1000
	// DataBase is the read/write data segment holding the state blocks.
	DataBase = 0x500000
	dataSize = 0x1000
	// ModuleName is the name of the host executable.
	ModuleName = "game.exe"
)

// State block offsets inside the data segment.
const (
	TickState    = DataBase + 0x00 // count u32
	FrameState   = DataBase + 0x10 // count u32, delta f32
	CameraState  = DataBase + 0x20 // x, y, z, fov f32; view x, y, z f32 at +0x10
	DamageState  = DataBase + 0x40 // object u32, causer u32, amount f32, health f32
	UIState      = DataBase + 0x60 // widget u32, drawn u32
	NetworkState = DataBase + 0x80 // channel u32, length u32, handled u32, payload at +0x10

	// MaxPayload bounds a network message.
	MaxPayload = 0x70

	startHealth = 100
)

var stateBlocks = map[Routine]uintptr{
	Tick:     TickState,
	Frame:    FrameState,
	Camera:   CameraState,
	Damage:   DamageState,
	UIRender: UIState,
	Network:  NetworkState,
}

// StateAddr returns the address of r's state block.
func StateAddr(r Routine) uintptr { return stateBlocks[r] }

// Host is a loaded sandbox executable.
type Host struct {
	Sim    *memory.Sim
	CPU    *emu.CPU
	Module memory.Module

	entries map[Routine]uintptr
	actions map[Routine]int
}

// Option configures a Host.
type Option func(*options)

type options struct {
	sim     []memory.SimOption
	cpu     []emu.Option
	padding int
}

// WithSimOptions passes options to the underlying memory.Sim.
func WithSimOptions(opts ...memory.SimOption) Option {
	return func(o *options) { o.sim = append(o.sim, opts...) }
}

// WithCPUOptions passes options to the interpreter.
func WithCPUOptions(opts ...emu.Option) Option {
	return func(o *options) { o.cpu = append(o.cpu, opts...) }
}

// WithPadding inserts n bytes of int3 between routines.
func WithPadding(n int) Option {
	return func(o *options) { o.padding = n }
}

// New builds and loads the host executable.
func New(opts ...Option) (*Host, error) {
	o := options{padding: 11}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Host{
		Sim:     memory.NewSim(o.sim...),
		entries: make(map[Routine]uintptr),
		actions: make(map[Routine]int),
	}
	h.CPU = emu.New(h.Sim, o.cpu...)

	if err := h.Sim.Map(DataBase, dataSize, memory.ProtRW); err != nil {
		return nil, fmt.Errorf("map data segment: %w", err)
	}

	a := trampoline.NewAssembler(ImageBase)
	a.Emit(make([]byte, CodeOffset)...)
	for _, r := range Routines() {
		native, err := h.Sim.Callback(h.action(r))
		if err != nil {
			return nil, err
		}
		h.entries[r] = a.PC()
		a.MovEAXImm(uint32(r))
		a.MovEAXMem(uint32(stateBlocks[r]))
		a.Call(native)
		a.Nop(2)
		a.Ret()
		for i := 0; i < o.padding; i++ {
			a.Emit(0xCC)
		}
	}
	image, err := a.Bytes()
	if err != nil {
		return nil, err
	}
	if h.Module, err = h.Sim.LoadModule(ModuleName, ImageBase, image); err != nil {
		return nil, err
	}
	if err := h.Reset(); err != nil {
		return nil, err
	}
	return h, nil
}

// Reset zeroes every state block and restores full health.
func (h *Host) Reset() error {
	if err := h.Sim.Write(DataBase, make([]byte, dataSize)); err != nil {
		return err
	}
	for r := range h.actions {
		h.actions[r] = 0
	}
	if err := memory.WriteFloat32(h.Sim, FrameState+4, 1.0/60); err != nil {
		return err
	}
	if err := memory.WriteFloat32(h.Sim, CameraState+12, 90); err != nil {
		return err
	}
	return memory.WriteFloat32(h.Sim, DamageState+12, startHealth)
}

// Entry returns the address of r's first instruction.
func (h *Host) Entry(r Routine) uintptr { return h.entries[r] }

// Actions returns how many times r's native action ran.
func (h *Host) Actions(r Routine) int { return h.actions[r] }

// Call runs routine r once.
func (h *Host) Call(r Routine) error {
	addr, ok := h.entries[r]
	if !ok {
		return fmt.Errorf("unknown routine %d", r)
	}
	if err := h.CPU.Call(addr); err != nil {
		return fmt.Errorf("%s: %w", r, err)
	}
	return nil
}

// action returns the native implementation of r. Errors cannot cross the
// native boundary, so a failed memory access leaves the state unchanged.
func (h *Host) action(r Routine) func() uintptr {
	return func() uintptr {
		h.actions[r]++
		switch r {
		case Tick:
			h.increment(TickState)
		case Frame:
			h.increment(FrameState)
		case Camera:
			// Apply the camera position to the view.
			if b, err := h.Sim.Read(CameraState, 12); err == nil {
				h.Sim.Write(CameraState+0x10, b)
			}
		case Damage:
			amount, _ := memory.ReadFloat32(h.Sim, DamageState+8)
			health, _ := memory.ReadFloat32(h.Sim, DamageState+12)
			memory.WriteFloat32(h.Sim, DamageState+12, float32(math.Max(0, float64(health-amount))))
		case UIRender:
			h.increment(UIState + 4)
		case Network:
			h.increment(NetworkState + 8)
		}
		return 0
	}
}

func (h *Host) increment(addr uintptr) {
	v, err := memory.ReadUint32(h.Sim, addr)
	if err == nil {
		memory.WriteUint32(h.Sim, addr, v+1)
	}
}
