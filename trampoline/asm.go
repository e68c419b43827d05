// Package trampoline emits the x86 machine code that redirects a hooked
// instruction into a codecave and back. It is the only package that knows
// about instruction encodings; everything above it deals in addresses.
package trampoline

import (
	"fmt"
)

const (
	// JmpSize is the length of the JMP rel32 written over the hooked site.
	JmpSize = 5

	opCall    = 0xE8
	opJmp     = 0xE9
	opJmpS    = 0xEB
	opNop     = 0x90
	opRet     = 0xC3
	opPushfd  = 0x9C
	opPopfd   = 0x9D
	opPushad  = 0x60
	opPopad   = 0x61
	opMovEAXm = 0xA1
	opTwoByte = 0x0F
	opJnzNear = 0x85
)

// toBytes converts a 64-bit integer to a little-endian byte slice.
func toBytes(value uint64, size int) []byte {
	bytes := make([]byte, size)
	for i := 0; i < size; i++ {
		bytes[i] = byte(value >> (i * 8))
	}
	return bytes
}

// rel32 is the displacement of a branch whose next instruction starts at next.
func rel32(next, target uintptr) []byte {
	return toBytes(uint64(uint32(target)-uint32(next)), 4)
}

type fixup struct {
	at    int // offset of the rel32 field
	next  int // offset of the following instruction
	label string
}

// Assembler builds a block of 32-bit x86 code that will live at base.
// Branches to labels are resolved by Bytes.
type Assembler struct {
	base   uintptr
	buf    []byte
	labels map[string]int
	fixups []fixup
}

// NewAssembler starts a block located at base.
func NewAssembler(base uintptr) *Assembler {
	return &Assembler{base: base, labels: make(map[string]int)}
}

// PC is the address of the next emitted byte.
func (a *Assembler) PC() uintptr { return a.base + uintptr(len(a.buf)) }

// Len is the number of bytes emitted so far.
func (a *Assembler) Len() int { return len(a.buf) }

// Emit appends raw bytes.
func (a *Assembler) Emit(b ...byte) { a.buf = append(a.buf, b...) }

// Label binds name to the current position.
func (a *Assembler) Label(name string) { a.labels[name] = len(a.buf) }

// Addr returns the address bound to a label.
func (a *Assembler) Addr(name string) (uintptr, bool) {
	off, ok := a.labels[name]
	return a.base + uintptr(off), ok
}

// Pushfd emits pushfd.
func (a *Assembler) Pushfd() { a.Emit(opPushfd) }

// Popfd emits popfd.
func (a *Assembler) Popfd() { a.Emit(opPopfd) }

// Pushad emits pushad.
func (a *Assembler) Pushad() { a.Emit(opPushad) }

// Popad emits popad.
func (a *Assembler) Popad() { a.Emit(opPopad) }

// Ret emits a near return.
func (a *Assembler) Ret() { a.Emit(opRet) }

// Nop emits n single-byte NOPs.
func (a *Assembler) Nop(n int) {
	for i := 0; i < n; i++ {
		a.Emit(opNop)
	}
}

// TestAL emits test al, al.
func (a *Assembler) TestAL() { a.Emit(0x84, 0xC0) }

// MovEAXMem emits mov eax, [addr].
func (a *Assembler) MovEAXMem(addr uint32) {
	a.Emit(opMovEAXm)
	a.Emit(toBytes(uint64(addr), 4)...)
}

// MovEAXImm emits mov eax, imm32.
func (a *Assembler) MovEAXImm(v uint32) {
	a.Emit(0xB8)
	a.Emit(toBytes(uint64(v), 4)...)
}

// Call emits call rel32 to an absolute target.
func (a *Assembler) Call(target uintptr) {
	next := a.PC() + 5
	a.Emit(opCall)
	a.Emit(rel32(next, target)...)
}

// Jmp emits jmp rel32 to an absolute target.
func (a *Assembler) Jmp(target uintptr) {
	next := a.PC() + 5
	a.Emit(opJmp)
	a.Emit(rel32(next, target)...)
}

func (a *Assembler) branch(label string, op ...byte) {
	a.Emit(op...)
	at := len(a.buf)
	a.Emit(0, 0, 0, 0)
	a.fixups = append(a.fixups, fixup{at: at, next: len(a.buf), label: label})
}

// CallLabel emits call rel32 to a label.
func (a *Assembler) CallLabel(label string) { a.branch(label, opCall) }

// JmpLabel emits jmp rel32 to a label.
func (a *Assembler) JmpLabel(label string) { a.branch(label, opJmp) }

// JnzLabel emits jnz rel32 to a label.
func (a *Assembler) JnzLabel(label string) { a.branch(label, opTwoByte, opJnzNear) }

// Bytes resolves label branches and returns the finished block.
func (a *Assembler) Bytes() ([]byte, error) {
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	for _, f := range a.fixups {
		off, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		copy(out[f.at:], rel32(a.base+uintptr(f.next), a.base+uintptr(off)))
	}
	return out, nil
}
