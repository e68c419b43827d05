package trampoline

import (
	"bytes"
	"testing"

	"github.com/0xffffa/hookbus/memory"
)

var testGates = Gates{Enter: 0x7ffe0000, Exit: 0x7ffe0010}

func callSite(t *testing.T) []Instruction {
	t.Helper()
	insts, _, err := Decode([]byte{0xE8, 0xFB, 0x0F, 0x00, 0x00}, 0x401000, JmpSize)
	if err != nil {
		t.Fatal(err)
	}
	return insts
}

func TestBuildCaveTrampoline(t *testing.T) {
	cave, err := BuildCave(KindTrampoline, 0x60000000, callSite(t), testGates)
	if err != nil {
		t.Fatalf("BuildCave: %v", err)
	}
	if cave.Resume != 0x401005 {
		t.Errorf("Resume = %#x, want 0x401005", cave.Resume)
	}
	if !bytes.HasPrefix(cave.Code, []byte{0x9C, 0x60, 0xE8}) {
		t.Errorf("cave does not start with pushfd; pushad; call: % X", cave.Code[:3])
	}
	if !bytes.Contains(cave.Code, []byte{0x84, 0xC0, 0x0F, 0x85}) {
		t.Error("trampoline cave is missing the cancellation branch")
	}

	enter, _, err := Decode(cave.Code[2:], cave.Base+2, JmpSize)
	if err != nil {
		t.Fatal(err)
	}
	if target, _ := enter[0].Target(); target != testGates.Enter {
		t.Errorf("first call targets %#x, want enter gate", target)
	}

	off := int(cave.Original - cave.Base)
	orig, _, err := Decode(cave.Code[off:], cave.Original, 10)
	if err != nil {
		t.Fatal(err)
	}
	if target, _ := orig[0].Target(); target != 0x402000 {
		t.Errorf("original stub call targets %#x, want 0x402000", target)
	}
	if target, _ := orig[1].Target(); target != cave.Resume {
		t.Errorf("original stub jumps to %#x, want %#x", target, cave.Resume)
	}
}

func TestBuildCaveOverride(t *testing.T) {
	cave, err := BuildCave(KindOverride, 0x60000000, callSite(t), testGates)
	if err != nil {
		t.Fatalf("BuildCave: %v", err)
	}
	// pushfd; pushad; call enter; test al,al; jnz bypass; call exit
	insts, _, err := Decode(cave.Code[2:], cave.Base+2, 18)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) < 4 || !bytes.Equal(insts[1].Bytes, []byte{0x84, 0xC0}) {
		t.Fatalf("override cave does not test the enter result: %v", insts)
	}
	// bypass is popad; popfd right before the original stub.
	if target, _ := insts[2].Target(); target != cave.Original-2 {
		t.Errorf("bypass branch targets %#x, want %#x", target, cave.Original-2)
	}
	if target, _ := insts[3].Target(); target != testGates.Exit {
		t.Errorf("call after the bypass branch targets %#x, want exit gate", target)
	}
	off := int(cave.Original - cave.Base)
	if !bytes.Equal(cave.Code[off-2:off], []byte{0x61, 0x9D}) {
		t.Errorf("bypass path = % X, want popad; popfd", cave.Code[off-2:off])
	}
	if len(cave.Code) > MaxCaveSize {
		t.Errorf("cave is %d bytes", len(cave.Code))
	}
}

func TestBuildCaveEmpty(t *testing.T) {
	if _, err := BuildCave(KindTrampoline, 0, nil, testGates); err == nil {
		t.Fatal("expected error for empty site")
	}
}

func TestApplyRestore(t *testing.T) {
	sim := memory.NewSim()
	image := []byte{0x55, 0x89, 0xE5, 0x83, 0xEC, 0x08, 0xC3}
	if _, err := sim.LoadModule("host.exe", 0x401000, image); err != nil {
		t.Fatal(err)
	}

	p, err := Apply(sim, 0x401000, 0x60000000, 6)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(p.Original, image[:6]) {
		t.Errorf("saved % X, want % X", p.Original, image[:6])
	}
	got, _ := sim.Read(0x401000, 7)
	want := []byte{0xE9, 0xFB, 0xEF, 0xBF, 0x5F, 0x90, 0xC3}
	if !bytes.Equal(got, want) {
		t.Errorf("patched = % X, want % X", got, want)
	}
	if !p.Intact(sim) {
		t.Error("Intact = false right after Apply")
	}

	if err := p.Restore(sim); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _ = sim.Read(0x401000, 7)
	if !bytes.Equal(got, image) {
		t.Errorf("restored = % X, want % X", got, image)
	}
	if p.Intact(sim) {
		t.Error("Intact = true after Restore")
	}
}

func TestApplyTooShort(t *testing.T) {
	sim := memory.NewSim()
	sim.LoadModule("host.exe", 0x401000, make([]byte, 8))
	if _, err := Apply(sim, 0x401000, 0x60000000, 4); err == nil {
		t.Fatal("expected error for a 4-byte region")
	}
}

func TestReadSiteNearEnd(t *testing.T) {
	sim := memory.NewSim()
	sim.LoadModule("host.exe", 0x401000, []byte{0xE8, 0, 0, 0, 0, 0x90, 0x90})
	b, err := ReadSite(sim, 0x401000)
	if err != nil {
		t.Fatalf("ReadSite: %v", err)
	}
	if len(b) != 7 {
		t.Errorf("ReadSite returned %d bytes, want 7", len(b))
	}
}
