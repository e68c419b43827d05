// Package memory describes the address space of the host process: the loaded
// module being instrumented, byte-level access to it, executable allocation for
// codecaves and native entry points for Go callbacks.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrAddressNotMapped is returned when an address is not inside any mapped region.
	ErrAddressNotMapped = errors.New("address not mapped")

	// ErrNoCaveInRange is returned when no executable block can be allocated
	// within rel32 reach of the requested target.
	ErrNoCaveInRange = errors.New("no executable region within jump range")

	// ErrModuleNotFound is returned when a module lookup fails.
	ErrModuleNotFound = errors.New("module not found")
)

// Protection is a page protection bit set.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec

	ProtRX  = ProtRead | ProtExec
	ProtRW  = ProtRead | ProtWrite
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

// PageSize is the allocation granularity used for codecaves.
const PageSize = 0x1000

// Module is a loaded image inside the host address space.
type Module struct {
	Name string
	Base uintptr
	Size uintptr
}

// Contains reports whether addr lies inside the module image.
func (m Module) Contains(addr uintptr) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}

func (m Module) String() string {
	return fmt.Sprintf("%s@%#x+%#x", m.Name, m.Base, m.Size)
}

// Memory is byte access to the host address space.
type Memory interface {
	// Read copies n bytes starting at addr.
	Read(addr uintptr, n int) ([]byte, error)

	// Write stores data at addr. Page protection is lifted for the duration of
	// the write and restored immediately afterwards.
	Write(addr uintptr, data []byte) error
}

// Process is the full surface the hook engine needs from the host.
type Process interface {
	Memory

	// AllocNear allocates an executable block of at least size bytes within
	// rel32 reach of target.
	AllocNear(target uintptr, size int) (uintptr, error)

	// Free releases a block returned by AllocNear.
	Free(addr uintptr) error

	// Callback returns a native-callable address that invokes fn. The value
	// returned by fn ends up in the accumulator.
	Callback(fn func() uintptr) (uintptr, error)

	// Module looks up a loaded module by name. An empty name selects the
	// main executable.
	Module(name string) (Module, error)

	// PointerSize is the width of a host pointer in bytes.
	PointerSize() int
}

// ReadUint32 reads a little-endian uint32.
func ReadUint32(m Memory, addr uintptr) (uint32, error) {
	b, err := m.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadPointer32 reads a 32-bit pointer and widens it to uintptr.
func ReadPointer32(m Memory, addr uintptr) (uintptr, error) {
	v, err := ReadUint32(m, addr)
	return uintptr(v), err
}

// WriteUint32 writes a little-endian uint32.
func WriteUint32(m Memory, addr uintptr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(addr, b[:])
}

// ReadFloat32 reads an IEEE-754 single.
func ReadFloat32(m Memory, addr uintptr) (float32, error) {
	v, err := ReadUint32(m, addr)
	return math.Float32frombits(v), err
}

// WriteFloat32 writes an IEEE-754 single.
func WriteFloat32(m Memory, addr uintptr, f float32) error {
	return WriteUint32(m, addr, math.Float32bits(f))
}

// InRel32 reports whether a 5-byte relative jump at from can reach to.
func InRel32(from, to uintptr) bool {
	d := int64(to) - (int64(from) + 5)
	return d >= math.MinInt32 && d <= math.MaxInt32
}
