//go:build windows

package memory

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemInfo         = kernel32.NewProc("GetSystemInfo")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

// Live is the address space of the current process. It is what an injected
// plugin uses; every access goes straight to the host's pages.
type Live struct {
	sys systemInfo
}

// NewLive returns the live backend for the current process.
func NewLive() *Live {
	l := &Live{}
	procGetSystemInfo.Call(uintptr(unsafe.Pointer(&l.sys)))
	return l
}

// readable walks [addr, addr+n) one VirtualQuery region at a time. A module
// image spans several regions with different protections; each must be
// committed and accessible.
func (l *Live) readable(addr uintptr, n int) error {
	end := addr + uintptr(n)
	if end < addr {
		return fmt.Errorf("%#x+%d wraps the address space: %w", addr, n, ErrAddressNotMapped)
	}
	for cur := addr; cur < end; {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(cur, &mbi, unsafe.Sizeof(mbi)); err != nil {
			return fmt.Errorf("VirtualQuery %#x: %w", cur, err)
		}
		if mbi.State != windows.MEM_COMMIT || mbi.Protect&(windows.PAGE_NOACCESS|windows.PAGE_GUARD) != 0 {
			return fmt.Errorf("%#x: %w", cur, ErrAddressNotMapped)
		}
		next := mbi.BaseAddress + mbi.RegionSize
		if next <= cur {
			return fmt.Errorf("%#x: empty region: %w", cur, ErrAddressNotMapped)
		}
		cur = next
	}
	return nil
}

// Read implements Memory.
func (l *Live) Read(addr uintptr, n int) ([]byte, error) {
	if err := l.readable(addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return out, nil
}

// PointerSize implements Process.
func (l *Live) PointerSize() int { return int(unsafe.Sizeof(uintptr(0))) }

// Write implements Memory.
func (l *Live) Write(addr uintptr, data []byte) error {
	var oldProtect uint32
	if err := windows.VirtualProtect(addr, uintptr(len(data)), windows.PAGE_EXECUTE_READWRITE, &oldProtect); err != nil {
		return fmt.Errorf("VirtualProtect failed: %w", err)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)

	if err := windows.VirtualProtect(addr, uintptr(len(data)), oldProtect, &oldProtect); err != nil {
		return fmt.Errorf("VirtualProtect failed to restore: %w", err)
	}
	procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, uintptr(len(data)))
	return nil
}

// AllocNear implements Process by probing pages outward from the target in
// both directions until VirtualAlloc accepts one.
func (l *Live) AllocNear(target uintptr, size int) (uintptr, error) {
	pageSize := uintptr(l.sys.PageSize)
	if pageSize == 0 {
		pageSize = PageSize
	}
	span := (uintptr(size) + pageSize - 1) &^ (pageSize - 1)

	startPage := target &^ (pageSize - 1)
	var minAddr, maxAddr uintptr
	if startPage > 0x7FFFFF00 {
		minAddr = startPage - 0x7FFFFF00
	}
	if minAddr < l.sys.MinimumApplicationAddress {
		minAddr = l.sys.MinimumApplicationAddress
	}
	maxAddr = startPage + 0x7FFFFF00
	if maxAddr > l.sys.MaximumApplicationAddress || maxAddr < startPage {
		maxAddr = l.sys.MaximumApplicationAddress
	}

	for pageOffset := uintptr(1); ; pageOffset++ {
		byteOffset := pageOffset * pageSize
		highAddr := startPage + byteOffset
		var lowAddr uintptr
		if startPage > byteOffset {
			lowAddr = startPage - byteOffset
		}

		if highAddr < maxAddr {
			if out, _ := windows.VirtualAlloc(highAddr, span, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE); out != 0 {
				return out, nil
			}
		}
		if lowAddr > minAddr {
			if out, _ := windows.VirtualAlloc(lowAddr, span, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE); out != 0 {
				return out, nil
			}
		}

		if highAddr > maxAddr && lowAddr < minAddr {
			break
		}
	}
	return 0, fmt.Errorf("alloc near %#x: %w", target, ErrNoCaveInRange)
}

// Free implements Process.
func (l *Live) Free(addr uintptr) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

// Callback implements Process. Callbacks created this way are never freed;
// the runtime caps their number.
func (l *Live) Callback(fn func() uintptr) (uintptr, error) {
	if fn == nil {
		return 0, errors.New("callback: nil function")
	}
	return syscall.NewCallback(fn), nil
}

// Module implements Process.
func (l *Live) Module(name string) (Module, error) {
	var namePtr *uint16
	if name != "" {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return Module{}, err
		}
		namePtr = p
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, namePtr, &h); err != nil {
		return Module{}, fmt.Errorf("%w: %q: %v", ErrModuleNotFound, name, err)
	}
	var mi windows.ModuleInfo
	if err := windows.GetModuleInformation(windows.CurrentProcess(), h, &mi, uint32(unsafe.Sizeof(mi))); err != nil {
		return Module{}, fmt.Errorf("GetModuleInformation %q: %w", name, err)
	}
	return Module{Name: name, Base: mi.BaseOfDll, Size: uintptr(mi.SizeOfImage)}, nil
}
