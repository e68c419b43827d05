package trampoline

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Mode is the operand size the host code is decoded with.
const Mode = 32

var (
	// ErrRelativeAddr means a copied instruction uses a relative form that
	// cannot be widened (loop, jecxz).
	ErrRelativeAddr = errors.New("relative address in instruction")

	// ErrPrologueTooShort means control leaves the site before JmpSize bytes
	// of whole instructions could be collected.
	ErrPrologueTooShort = errors.New("not enough instructions to patch")
)

// Instruction is one decoded instruction of a hooked site.
type Instruction struct {
	Addr  uintptr
	Bytes []byte
	inst  x86asm.Inst
}

// Len is the encoded length.
func (i Instruction) Len() int { return len(i.Bytes) }

// Target returns the absolute destination of a PC-relative branch.
func (i Instruction) Target() (uintptr, bool) {
	if i.inst.PCRel == 0 {
		return 0, false
	}
	rel, ok := i.inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uintptr(uint32(i.Addr) + uint32(len(i.Bytes)) + uint32(int32(rel))), true
}

func (i Instruction) String() string {
	return fmt.Sprintf("%#x: %s", i.Addr, x86asm.IntelSyntax(i.inst, uint64(i.Addr), nil))
}

// Decode splits code located at addr into whole instructions until at least
// min bytes are covered. It never splits an instruction.
func Decode(code []byte, addr uintptr, min int) ([]Instruction, int, error) {
	var out []Instruction
	n := 0
	for n < min {
		if n >= len(code) {
			return nil, 0, fmt.Errorf("decode %#x: %w", addr, ErrPrologueTooShort)
		}
		inst, err := x86asm.Decode(code[n:], Mode)
		if err != nil {
			return nil, 0, fmt.Errorf("decode %#x: %w", addr+uintptr(n), err)
		}
		out = append(out, Instruction{
			Addr:  addr + uintptr(n),
			Bytes: append([]byte(nil), code[n:n+inst.Len]...),
			inst:  inst,
		})
		n += inst.Len
		if n < min && endsFlow(inst) {
			return nil, 0, fmt.Errorf("decode %#x: %s ends the block after %d bytes: %w",
				addr, inst.Op, n, ErrPrologueTooShort)
		}
	}
	return out, n, nil
}

func endsFlow(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.INT, x86asm.UD2, x86asm.HLT:
		return true
	}
	return false
}

// Relocate re-encodes insts so they behave identically when placed at to.
// rel32 branches are re-aimed and rel8 jumps are widened to rel32.
func Relocate(insts []Instruction, to uintptr) ([]byte, error) {
	a := NewAssembler(to)
	for _, in := range insts {
		target, rel := in.Target()
		switch {
		case !rel:
			a.Emit(in.Bytes...)
		case in.inst.PCRel == 4:
			b := append([]byte(nil), in.Bytes...)
			next := a.PC() + uintptr(len(b))
			copy(b[in.inst.PCRelOff:], rel32(next, target))
			a.Emit(b...)
		case in.inst.PCRel == 1 && in.Bytes[len(in.Bytes)-2] == opJmpS:
			a.Jmp(target)
		case in.inst.PCRel == 1 && in.Bytes[len(in.Bytes)-2]&0xF0 == 0x70:
			cc := in.Bytes[len(in.Bytes)-2] & 0x0F
			next := a.PC() + 6
			a.Emit(opTwoByte, 0x80|cc)
			a.Emit(rel32(next, target)...)
		default:
			return nil, fmt.Errorf("relocate %s: %w", in, ErrRelativeAddr)
		}
	}
	return a.Bytes()
}
