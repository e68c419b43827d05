package trampoline

import (
	"bytes"
	"testing"
)

func TestAssemblerBranches(t *testing.T) {
	a := NewAssembler(0x1000)
	a.Call(0x2000)
	a.Jmp(0x1000)
	a.JnzLabel("done")
	a.Nop(2)
	a.Label("done")
	a.Ret()

	got, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	want := []byte{
		0xE8, 0xFB, 0x0F, 0x00, 0x00, // call 0x2000
		0xE9, 0xF6, 0xFF, 0xFF, 0xFF, // jmp 0x1000
		0x0F, 0x85, 0x02, 0x00, 0x00, 0x00, // jnz done
		0x90, 0x90,
		0xC3,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes =\n% X\nwant\n% X", got, want)
	}
	if addr, ok := a.Addr("done"); !ok || addr != 0x1012 {
		t.Errorf("Addr(done) = %#x, %v", addr, ok)
	}
}

func TestAssemblerUndefinedLabel(t *testing.T) {
	a := NewAssembler(0)
	a.JmpLabel("nowhere")
	if _, err := a.Bytes(); err == nil {
		t.Fatal("expected error for undefined label")
	}
}

func TestAssemblerDataMoves(t *testing.T) {
	a := NewAssembler(0)
	a.MovEAXImm(1)
	a.MovEAXMem(0x00401234)
	a.Pushfd()
	a.Pushad()
	a.TestAL()
	a.Popad()
	a.Popfd()
	got, _ := a.Bytes()
	want := []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00,
		0xA1, 0x34, 0x12, 0x40, 0x00,
		0x9C, 0x60, 0x84, 0xC0, 0x61, 0x9D,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes = % X, want % X", got, want)
	}
}
