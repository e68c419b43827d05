// Package emu interprets the small subset of 32-bit x86 that host routines
// and codecaves are made of, against a memory.Sim. Calls into addresses
// registered with Sim.Callback run the Go function and put its result in EAX.
//
// Only EAX and ZF are modelled. Conditional branches on any other flag fail
// with ErrUnsupported. Any other instruction is decoded for its length and
// otherwise treated as a no-op, which is enough to walk prologues and
// relocated code.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/0xffffa/hookbus/memory"
)

var (
	// ErrStepLimit is returned when a call does not return within the step budget.
	ErrStepLimit = errors.New("step limit exceeded")

	// ErrBreakpoint is returned on int3.
	ErrBreakpoint = errors.New("breakpoint")

	// ErrStackUnderflow is returned on a pop with nothing saved.
	ErrStackUnderflow = errors.New("stack underflow")

	// ErrUnsupported is returned for a conditional branch on flags other
	// than ZF.
	ErrUnsupported = errors.New("unsupported instruction")
)

const (
	defaultMaxSteps = 1 << 16
	returnSentinel  = ^uintptr(0)
)

// CPU is a single simulated thread.
type CPU struct {
	mem      *memory.Sim
	traps    map[uintptr]func()
	maxSteps int

	eax uint32
	zf  bool

	steps uint64
}

// Option configures a CPU.
type Option func(*CPU)

// WithMaxSteps bounds the number of instructions a single Call may execute.
func WithMaxSteps(n int) Option {
	return func(c *CPU) { c.maxSteps = n }
}

// New creates a CPU over mem.
func New(mem *memory.Sim, opts ...Option) *CPU {
	c := &CPU{
		mem:      mem,
		traps:    make(map[uintptr]func()),
		maxSteps: defaultMaxSteps,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnExecute runs fn every time execution reaches addr, before the
// instruction there executes.
func (c *CPU) OnExecute(addr uintptr, fn func()) {
	c.traps[addr] = fn
}

// EAX returns the accumulator.
func (c *CPU) EAX() uint32 { return c.eax }

// Steps returns the total number of instructions executed.
func (c *CPU) Steps() uint64 { return c.steps }

type saved struct {
	eax uint32
	zf  bool
}

// Call runs the routine at addr until it returns to the caller. Calls may
// nest: a callback invoked from inside Call may call Call again.
func (c *CPU) Call(addr uintptr) error {
	var (
		stack []uintptr
		regs  []saved
	)
	stack = append(stack, returnSentinel)
	pc := addr

	ret := func() error {
		if len(stack) == 0 {
			return fmt.Errorf("ret at %#x: %w", pc, ErrStackUnderflow)
		}
		pc = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return nil
	}

	for i := 0; ; i++ {
		if pc == returnSentinel {
			return nil
		}
		if i >= c.maxSteps {
			return fmt.Errorf("call %#x: %w", addr, ErrStepLimit)
		}
		c.steps++

		if trap, ok := c.traps[pc]; ok {
			trap()
		}
		if fn, ok := c.mem.Lookup(pc); ok {
			// Jumped straight into a callback: it returns to our caller.
			c.eax = uint32(fn())
			if err := ret(); err != nil {
				return err
			}
			continue
		}

		code, err := c.mem.Fetch(pc, 16)
		if err != nil {
			return fmt.Errorf("call %#x: %w", addr, err)
		}
		next, isRet, err := c.step(code, pc, &stack, &regs)
		if err != nil {
			return fmt.Errorf("call %#x: at %#x: %w", addr, pc, err)
		}
		if isRet {
			if err := ret(); err != nil {
				return err
			}
			continue
		}
		pc = next
	}
}

func relTarget(next uintptr, rel []byte) uintptr {
	return uintptr(uint32(next) + binary.LittleEndian.Uint32(rel))
}

func relTarget8(next uintptr, rel byte) uintptr {
	return uintptr(uint32(next) + uint32(int32(int8(rel))))
}

// step executes one instruction and returns the next pc, or reports that the
// instruction was a return.
func (c *CPU) step(code []byte, pc uintptr, stack *[]uintptr, regs *[]saved) (uintptr, bool, error) {
	need := func(n int) error {
		if len(code) < n {
			return fmt.Errorf("truncated instruction")
		}
		return nil
	}

	switch code[0] {
	case 0x90:
		return pc + 1, false, nil
	case 0x9C, 0x60: // pushfd, pushad
		*regs = append(*regs, saved{eax: c.eax, zf: c.zf})
		return pc + 1, false, nil
	case 0x9D: // popfd
		s, err := pop(regs)
		if err != nil {
			return 0, false, err
		}
		c.zf = s.zf
		return pc + 1, false, nil
	case 0x61: // popad
		s, err := pop(regs)
		if err != nil {
			return 0, false, err
		}
		c.eax = s.eax
		return pc + 1, false, nil
	case 0xE8:
		if err := need(5); err != nil {
			return 0, false, err
		}
		next := pc + 5
		target := relTarget(next, code[1:5])
		if fn, ok := c.mem.Lookup(target); ok {
			c.eax = uint32(fn())
			return next, false, nil
		}
		*stack = append(*stack, next)
		return target, false, nil
	case 0xE9:
		if err := need(5); err != nil {
			return 0, false, err
		}
		return relTarget(pc+5, code[1:5]), false, nil
	case 0xEB:
		if err := need(2); err != nil {
			return 0, false, err
		}
		return relTarget8(pc+2, code[1]), false, nil
	case 0x84, 0x85: // test al,al / test eax,eax
		if err := need(2); err != nil {
			return 0, false, err
		}
		if code[1] != 0xC0 {
			break
		}
		if code[0] == 0x84 {
			c.zf = c.eax&0xFF == 0
		} else {
			c.zf = c.eax == 0
		}
		return pc + 2, false, nil
	case 0xB8: // mov eax, imm32
		if err := need(5); err != nil {
			return 0, false, err
		}
		c.eax = binary.LittleEndian.Uint32(code[1:5])
		return pc + 5, false, nil
	case 0xA1: // mov eax, [moffs32]
		if err := need(5); err != nil {
			return 0, false, err
		}
		v, err := memory.ReadUint32(c.mem, uintptr(binary.LittleEndian.Uint32(code[1:5])))
		if err != nil {
			return 0, false, err
		}
		c.eax = v
		return pc + 5, false, nil
	case 0x74, 0x75:
		if err := need(2); err != nil {
			return 0, false, err
		}
		if (code[0] == 0x74) == c.zf {
			return relTarget8(pc+2, code[1]), false, nil
		}
		return pc + 2, false, nil
	case 0x0F:
		if err := need(6); err == nil && (code[1] == 0x84 || code[1] == 0x85) {
			if (code[1] == 0x84) == c.zf {
				return relTarget(pc+6, code[2:6]), false, nil
			}
			return pc + 6, false, nil
		}
	case 0xC3:
		return 0, true, nil
	case 0xCC:
		return 0, false, ErrBreakpoint
	}

	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return 0, false, err
	}
	switch inst.Op {
	case x86asm.RET:
		return 0, true, nil
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO, x86asm.JP, x86asm.JNP,
		x86asm.JS, x86asm.JNS, x86asm.JE, x86asm.JNE, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return 0, false, fmt.Errorf("%s: %w", inst.Op, ErrUnsupported)
	}
	return pc + uintptr(inst.Len), false, nil
}

func pop(regs *[]saved) (saved, error) {
	if len(*regs) == 0 {
		return saved{}, ErrStackUnderflow
	}
	s := (*regs)[len(*regs)-1]
	*regs = (*regs)[:len(*regs)-1]
	return s, nil
}
