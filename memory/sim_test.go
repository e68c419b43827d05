package memory

import (
	"bytes"
	"errors"
	"testing"
)

func TestSimReadWrite(t *testing.T) {
	s := NewSim()
	mod, err := s.LoadModule("host.exe", 0x400000, []byte{0x55, 0x89, 0xE5, 0xC3})
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if mod.Size != 4 || !mod.Contains(0x400003) || mod.Contains(0x400004) {
		t.Fatalf("unexpected module %v", mod)
	}

	if err := s.Write(0x400001, []byte{0x90, 0x90}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(0x400000, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := []byte{0x55, 0x90, 0x90, 0xC3}; !bytes.Equal(got, want) {
		t.Errorf("Read = % X, want % X", got, want)
	}

	if s.ProtectFlips() != 1 {
		t.Errorf("ProtectFlips = %d, want 1", s.ProtectFlips())
	}
	prot, _ := s.Protection(0x400000)
	if prot != ProtRX {
		t.Errorf("protection after write = %v, want %v", prot, ProtRX)
	}
}

func TestSimUnmapped(t *testing.T) {
	s := NewSim()
	if _, err := s.Read(0x1000, 1); !errors.Is(err, ErrAddressNotMapped) {
		t.Errorf("Read unmapped: got %v", err)
	}
	if err := s.Map(0x1000, 0x10, ProtRW); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(0x100c, 8); !errors.Is(err, ErrAddressNotMapped) {
		t.Errorf("Read across region end: got %v", err)
	}
	if err := s.Map(0x1008, 0x10, ProtRW); err == nil {
		t.Error("expected overlapping Map to fail")
	}
}

func TestSimModuleLookup(t *testing.T) {
	s := NewSim()
	if _, err := s.Module(""); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
	s.LoadModule("host.exe", 0x400000, make([]byte, 16))
	s.LoadModule("strings.dll", 0x10000000, make([]byte, 16))

	main, err := s.Module("")
	if err != nil || main.Name != "host.exe" {
		t.Errorf("main module = %v, %v", main, err)
	}
	dll, err := s.Module("STRINGS.DLL")
	if err != nil || dll.Base != 0x10000000 {
		t.Errorf("case-insensitive lookup = %v, %v", dll, err)
	}
}

func TestSimAllocNear(t *testing.T) {
	s := NewSim(WithCaveArena(0x500000, 2*PageSize))

	a, err := s.AllocNear(0x400000, 100)
	if err != nil {
		t.Fatalf("AllocNear: %v", err)
	}
	b, err := s.AllocNear(0x400000, 100)
	if err != nil {
		t.Fatalf("second AllocNear: %v", err)
	}
	if a == b {
		t.Fatal("AllocNear returned the same block twice")
	}
	if _, err := s.AllocNear(0x400000, 100); !errors.Is(err, ErrNoCaveInRange) {
		t.Fatalf("expected arena exhaustion, got %v", err)
	}
	if s.Allocated() != 2 {
		t.Errorf("Allocated = %d, want 2", s.Allocated())
	}

	if err := s.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := s.Free(a); !errors.Is(err, ErrAddressNotMapped) {
		t.Errorf("double Free: got %v", err)
	}
	if _, err := s.AllocNear(0x400000, 100); err != nil {
		t.Errorf("AllocNear after Free: %v", err)
	}
}

func TestSimAllocOutOfRange(t *testing.T) {
	if ^uintptr(0)>>32 == 0 {
		t.Skip("needs a 64-bit address space")
	}
	var far uint64 = 0x1_9000_0000
	s := NewSim(WithCaveArena(uintptr(far), PageSize))
	if _, err := s.AllocNear(0x400000, 16); !errors.Is(err, ErrNoCaveInRange) {
		t.Fatalf("expected ErrNoCaveInRange, got %v", err)
	}
}

func TestSimCallback(t *testing.T) {
	s := NewSim()
	addr, err := s.Callback(func() uintptr { return 7 })
	if err != nil {
		t.Fatal(err)
	}
	fn, ok := s.Lookup(addr)
	if !ok || fn() != 7 {
		t.Fatalf("Lookup(%#x) = %v", addr, ok)
	}
	if _, ok := s.Lookup(addr + 1); ok {
		t.Error("Lookup of unregistered address succeeded")
	}
}

func TestTypedHelpers(t *testing.T) {
	s := NewSim()
	s.Map(0x2000, 16, ProtRW)

	if err := WriteUint32(s, 0x2000, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if v, _ := ReadUint32(s, 0x2000); v != 0xDEADBEEF {
		t.Errorf("ReadUint32 = %#x", v)
	}
	if p, _ := ReadPointer32(s, 0x2000); p != 0xDEADBEEF {
		t.Errorf("ReadPointer32 = %#x", p)
	}
	WriteFloat32(s, 0x2004, 1.5)
	if f, _ := ReadFloat32(s, 0x2004); f != 1.5 {
		t.Errorf("ReadFloat32 = %v", f)
	}
	if s.ProtectFlips() != 0 {
		t.Errorf("writes to RW pages should not flip protection")
	}
}

func TestSimPointerSize(t *testing.T) {
	if n := NewSim().PointerSize(); n != 4 {
		t.Errorf("default PointerSize = %d, want 4", n)
	}
	if n := NewSim(WithPointerSize(8)).PointerSize(); n != 8 {
		t.Errorf("PointerSize = %d, want 8", n)
	}
}
