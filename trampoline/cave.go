package trampoline

import "fmt"

// Kind selects the codecave layout.
type Kind int

const (
	// KindTrampoline runs the relocated original unless the enter gate
	// reports cancellation.
	KindTrampoline Kind = iota
	// KindOverride never runs the relocated original on its own.
	KindOverride
)

func (k Kind) String() string {
	switch k {
	case KindTrampoline:
		return "trampoline"
	case KindOverride:
		return "override"
	default:
		return "unknown"
	}
}

// Gates are the native entry points the codecave calls into. A non-zero AL
// from Enter skips the original in a Trampoline cave, and runs it without
// calling Exit in an Override cave. Exit runs after the original.
type Gates struct {
	Enter uintptr
	Exit  uintptr
}

// Cave is a finished codecave image.
type Cave struct {
	Base     uintptr
	Code     []byte
	Original uintptr // entry of the relocated original followed by a jump back
	Resume   uintptr // first byte after the patched region
}

// MaxCaveSize bounds what BuildCave may emit.
const MaxCaveSize = 256

// BuildCave lays out the codecave for a site whose whole instructions insts
// cover the patched region. The cave is assembled for base.
//
// Trampoline:
//
//	pushfd; pushad; call enter; test al,al; jnz skip; popad; popfd
//	<original>; pushfd; pushad; call exit; popad; popfd; jmp resume
//	skip: popad; popfd; jmp resume
//
// Override:
//
//	pushfd; pushad; call enter; test al,al; jnz bypass
//	call exit; popad; popfd; jmp resume
//	bypass: popad; popfd (falls into the original stub)
//
// Both end with an original stub: <original>; jmp resume.
func BuildCave(kind Kind, base uintptr, insts []Instruction, g Gates) (*Cave, error) {
	if len(insts) == 0 {
		return nil, fmt.Errorf("build cave: %w", ErrPrologueTooShort)
	}
	last := insts[len(insts)-1]
	resume := last.Addr + uintptr(last.Len())

	a := NewAssembler(base)
	a.Pushfd()
	a.Pushad()
	a.Call(g.Enter)

	switch kind {
	case KindTrampoline:
		a.TestAL()
		a.JnzLabel("skip")
		a.Popad()
		a.Popfd()
		if err := emitRelocated(a, insts); err != nil {
			return nil, err
		}
		a.Pushfd()
		a.Pushad()
		a.Call(g.Exit)
		a.Popad()
		a.Popfd()
		a.Jmp(resume)
		a.Label("skip")
		a.Popad()
		a.Popfd()
		a.Jmp(resume)
	case KindOverride:
		a.TestAL()
		a.JnzLabel("bypass")
		a.Call(g.Exit)
		a.Popad()
		a.Popfd()
		a.Jmp(resume)
		a.Label("bypass")
		a.Popad()
		a.Popfd()
	default:
		return nil, fmt.Errorf("build cave: unknown kind %d", kind)
	}

	a.Label("original")
	if err := emitRelocated(a, insts); err != nil {
		return nil, err
	}
	a.Jmp(resume)

	code, err := a.Bytes()
	if err != nil {
		return nil, fmt.Errorf("build cave: %w", err)
	}
	if len(code) > MaxCaveSize {
		return nil, fmt.Errorf("build cave: %d bytes exceeds %d", len(code), MaxCaveSize)
	}
	orig, _ := a.Addr("original")
	return &Cave{Base: base, Code: code, Original: orig, Resume: resume}, nil
}

func emitRelocated(a *Assembler, insts []Instruction) error {
	b, err := Relocate(insts, a.PC())
	if err != nil {
		return err
	}
	a.Emit(b...)
	return nil
}
