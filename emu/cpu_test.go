package emu

import (
	"errors"
	"testing"

	"github.com/0xffffa/hookbus/memory"
	"github.com/0xffffa/hookbus/trampoline"
)

func load(t *testing.T, sim *memory.Sim, base uintptr, build func(a *trampoline.Assembler)) {
	t.Helper()
	a := trampoline.NewAssembler(base)
	build(a)
	code, err := a.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sim.LoadModule("host.exe", base, code); err != nil {
		t.Fatal(err)
	}
}

func TestCallNativeCallback(t *testing.T) {
	sim := memory.NewSim()
	calls := 0
	cb, _ := sim.Callback(func() uintptr { calls++; return 5 })

	load(t, sim, 0x401000, func(a *trampoline.Assembler) {
		a.Emit(0x55, 0x89, 0xE5) // push ebp; mov ebp, esp
		a.Call(cb)
		a.Nop(1)
		a.Emit(0x5D) // pop ebp
		a.Ret()
	})

	cpu := New(sim)
	if err := cpu.Call(0x401000); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
	if cpu.EAX() != 5 {
		t.Errorf("EAX = %d, want 5", cpu.EAX())
	}
}

func TestCallNested(t *testing.T) {
	sim := memory.NewSim()
	load(t, sim, 0x401000, func(a *trampoline.Assembler) {
		a.CallLabel("inner")
		a.Ret()
		a.Label("inner")
		a.MovEAXImm(9)
		a.Ret()
	})

	cpu := New(sim)
	visits := 0
	cpu.OnExecute(0x401006, func() { visits++ })
	if err := cpu.Call(0x401000); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if cpu.EAX() != 9 || visits != 1 {
		t.Errorf("EAX = %d visits = %d, want 9 and 1", cpu.EAX(), visits)
	}
}

func TestConditionalBranch(t *testing.T) {
	sim := memory.NewSim()
	var ret uintptr
	cb, _ := sim.Callback(func() uintptr { return ret })
	load(t, sim, 0x401000, func(a *trampoline.Assembler) {
		a.Call(cb)
		a.TestAL()
		a.JnzLabel("taken")
		a.MovEAXImm(1)
		a.Ret()
		a.Label("taken")
		a.MovEAXImm(2)
		a.Ret()
	})

	cpu := New(sim)
	for _, tt := range []struct {
		al   uintptr
		want uint32
	}{{0, 1}, {1, 2}, {0x100, 1}} {
		ret = tt.al
		if err := cpu.Call(0x401000); err != nil {
			t.Fatal(err)
		}
		if cpu.EAX() != tt.want {
			t.Errorf("al=%#x: EAX = %d, want %d", tt.al, cpu.EAX(), tt.want)
		}
	}
}

func TestPushadPreservesAccumulator(t *testing.T) {
	sim := memory.NewSim()
	cb, _ := sim.Callback(func() uintptr { return 77 })
	load(t, sim, 0x401000, func(a *trampoline.Assembler) {
		a.MovEAXImm(3)
		a.Pushfd()
		a.Pushad()
		a.Call(cb)
		a.Popad()
		a.Popfd()
		a.Ret()
	})
	cpu := New(sim)
	if err := cpu.Call(0x401000); err != nil {
		t.Fatal(err)
	}
	if cpu.EAX() != 3 {
		t.Errorf("EAX = %d, want 3", cpu.EAX())
	}
}

func TestStepLimit(t *testing.T) {
	sim := memory.NewSim()
	sim.LoadModule("host.exe", 0x401000, []byte{0xEB, 0xFE})
	cpu := New(sim, WithMaxSteps(100))
	if err := cpu.Call(0x401000); !errors.Is(err, ErrStepLimit) {
		t.Fatalf("expected ErrStepLimit, got %v", err)
	}
}

func TestBreakpoint(t *testing.T) {
	sim := memory.NewSim()
	sim.LoadModule("host.exe", 0x401000, []byte{0x90, 0xCC})
	if err := New(sim).Call(0x401000); !errors.Is(err, ErrBreakpoint) {
		t.Fatalf("expected ErrBreakpoint, got %v", err)
	}
}

func TestCallUnmapped(t *testing.T) {
	sim := memory.NewSim()
	if err := New(sim).Call(0x1234); !errors.Is(err, memory.ErrAddressNotMapped) {
		t.Fatalf("expected ErrAddressNotMapped, got %v", err)
	}
}

func TestUnmodelledBranchFails(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"jl rel8", []byte{0x7C, 0x02}},
		{"jl rel32", []byte{0x0F, 0x8C, 0x00, 0x00, 0x00, 0x00}},
		{"ja rel8", []byte{0x77, 0x02}},
		{"loop", []byte{0xE2, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := memory.NewSim()
			load(t, sim, 0x401000, func(a *trampoline.Assembler) {
				a.Emit(tt.code...)
				a.Nop(2)
				a.Ret()
			})
			if err := New(sim).Call(0x401000); !errors.Is(err, ErrUnsupported) {
				t.Errorf("Call = %v, want ErrUnsupported", err)
			}
		})
	}
}
