package trampoline

import (
	"bytes"
	"fmt"

	"github.com/0xffffa/hookbus/memory"
)

// Patch is a JMP rel32 written over a site, remembering the bytes it replaced.
type Patch struct {
	Src      uintptr
	Dst      uintptr
	Original []byte
}

// ReadSite reads enough bytes at addr to decode the instructions a patch
// would overwrite. Reads are shortened near the end of a mapping.
func ReadSite(mem memory.Memory, addr uintptr) ([]byte, error) {
	var lastErr error
	for n := 32; n >= JmpSize; n-- {
		b, err := mem.Read(addr, n)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Apply overwrites length bytes at src with a jump to dst, padding the rest of
// the region with NOPs so no partial instruction is left behind.
func Apply(mem memory.Memory, src, dst uintptr, length int) (*Patch, error) {
	if length < JmpSize {
		return nil, fmt.Errorf("patch %#x: %d bytes: %w", src, length, ErrPrologueTooShort)
	}
	if !memory.InRel32(src, dst) {
		return nil, fmt.Errorf("patch %#x -> %#x: %w", src, dst, memory.ErrNoCaveInRange)
	}
	orig, err := mem.Read(src, length)
	if err != nil {
		return nil, fmt.Errorf("patch %#x: save original: %w", src, err)
	}

	a := NewAssembler(src)
	a.Jmp(dst)
	a.Nop(length - JmpSize)
	code, _ := a.Bytes()

	if err := mem.Write(src, code); err != nil {
		return nil, fmt.Errorf("failed to apply jump at %#x: %w", src, err)
	}
	return &Patch{Src: src, Dst: dst, Original: orig}, nil
}

// Restore writes the saved bytes back.
func (p *Patch) Restore(mem memory.Memory) error {
	if err := mem.Write(p.Src, p.Original); err != nil {
		return fmt.Errorf("restore %#x: %w", p.Src, err)
	}
	return nil
}

// Intact reports whether the jump written by Apply is still in place.
func (p *Patch) Intact(mem memory.Memory) bool {
	cur, err := mem.Read(p.Src, JmpSize)
	if err != nil {
		return false
	}
	a := NewAssembler(p.Src)
	a.Jmp(p.Dst)
	want, _ := a.Bytes()
	return bytes.Equal(cur, want)
}

// Len is the size of the patched region.
func (p *Patch) Len() int { return len(p.Original) }
