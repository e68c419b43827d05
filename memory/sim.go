package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	defaultCaveBase     = 0x6000_0000
	defaultCaveSize     = 0x10_0000
	defaultCallbackBase = 0x7ffe_0000
	callbackStride      = 0x10
)

type region struct {
	base uintptr
	data []byte
	prot Protection
}

func (r *region) end() uintptr { return r.base + uintptr(len(r.data)) }

// Sim is an in-process model of a host address space. Modules are plain byte
// images, codecaves come from a page-granular arena and callbacks are Go
// functions parked at addresses that are never mapped.
type Sim struct {
	mu sync.Mutex

	regions []*region
	modules []Module

	caveBase uintptr
	caveSize uintptr
	caveUsed map[uintptr]int

	callbacks map[uintptr]func() uintptr
	nextCB    uintptr

	protectFlips int
	ptrSize      int
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithPointerSize sets the pointer width the simulated host reports. The
// default is 4.
func WithPointerSize(n int) SimOption {
	return func(s *Sim) { s.ptrSize = n }
}

// WithCaveArena places the codecave arena at [base, base+size).
func WithCaveArena(base, size uintptr) SimOption {
	return func(s *Sim) {
		s.caveBase = base
		s.caveSize = size
	}
}

// NewSim creates an empty simulated address space.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		caveBase:  defaultCaveBase,
		caveSize:  defaultCaveSize,
		caveUsed:  make(map[uintptr]int),
		callbacks: make(map[uintptr]func() uintptr),
		nextCB:    defaultCallbackBase,
		ptrSize:   4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Map maps a zeroed region.
func (s *Sim) Map(base uintptr, size int, prot Protection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapLocked(base, make([]byte, size), prot)
}

func (s *Sim) mapLocked(base uintptr, data []byte, prot Protection) error {
	if len(data) == 0 {
		return fmt.Errorf("map %#x: empty region", base)
	}
	nr := &region{base: base, data: data, prot: prot}
	for _, r := range s.regions {
		if base < r.end() && r.base < nr.end() {
			return fmt.Errorf("map %#x: overlaps region at %#x", base, r.base)
		}
	}
	s.regions = append(s.regions, nr)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].base < s.regions[j].base })
	return nil
}

// LoadModule maps image at base as a read/execute module.
func (s *Sim) LoadModule(name string, base uintptr, image []byte) (Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(image))
	copy(buf, image)
	if err := s.mapLocked(base, buf, ProtRX); err != nil {
		return Module{}, fmt.Errorf("load module %s: %w", name, err)
	}
	m := Module{Name: name, Base: base, Size: uintptr(len(image))}
	s.modules = append(s.modules, m)
	return m, nil
}

// PointerSize implements Process.
func (s *Sim) PointerSize() int { return s.ptrSize }

// Module implements Process. The first loaded module is the main executable.
func (s *Sim) Module(name string) (Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" && len(s.modules) > 0 {
		return s.modules[0], nil
	}
	for _, m := range s.modules {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
}

func (s *Sim) find(addr uintptr) *region {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].end() > addr })
	if i < len(s.regions) && s.regions[i].base <= addr {
		return s.regions[i]
	}
	return nil
}

// Read implements Memory.
func (s *Sim) Read(addr uintptr, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(addr)
	if r == nil || n < 0 || addr+uintptr(n) > r.end() {
		return nil, fmt.Errorf("read %#x+%d: %w", addr, n, ErrAddressNotMapped)
	}
	off := addr - r.base
	out := make([]byte, n)
	copy(out, r.data[off:off+uintptr(n)])
	return out, nil
}

// Fetch returns up to max bytes starting at addr, stopping at the end of the
// containing region. The region must be executable.
func (s *Sim) Fetch(addr uintptr, max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(addr)
	if r == nil {
		return nil, fmt.Errorf("fetch %#x: %w", addr, ErrAddressNotMapped)
	}
	if r.prot&ProtExec == 0 {
		return nil, fmt.Errorf("fetch %#x: region is not executable", addr)
	}
	off := addr - r.base
	end := off + uintptr(max)
	if end > uintptr(len(r.data)) {
		end = uintptr(len(r.data))
	}
	out := make([]byte, end-off)
	copy(out, r.data[off:end])
	return out, nil
}

// Write implements Memory. Writes into non-writable pages go through a
// protect/write/restore sequence, counted by ProtectFlips.
func (s *Sim) Write(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(addr)
	if r == nil || addr+uintptr(len(data)) > r.end() {
		return fmt.Errorf("write %#x+%d: %w", addr, len(data), ErrAddressNotMapped)
	}
	old := r.prot
	if old&ProtWrite == 0 {
		r.prot = ProtRWX
		s.protectFlips++
	}
	copy(r.data[addr-r.base:], data)
	r.prot = old
	return nil
}

// Protection returns the protection of the region containing addr.
func (s *Sim) Protection(addr uintptr) (Protection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.find(addr)
	if r == nil {
		return 0, fmt.Errorf("protection %#x: %w", addr, ErrAddressNotMapped)
	}
	return r.prot, nil
}

// ProtectFlips is the number of writes that had to lift page protection.
func (s *Sim) ProtectFlips() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protectFlips
}

// AllocNear implements Process. Pages are handed out first-fit from the cave
// arena; a page is only usable if a rel32 jump from target can reach it.
func (s *Sim) AllocNear(target uintptr, size int) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("alloc near %#x: invalid size %d", target, size)
	}
	pages := (size + PageSize - 1) / PageSize
	span := uintptr(pages * PageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	for addr := s.caveBase; addr+span <= s.caveBase+s.caveSize; addr += PageSize {
		if !InRel32(target, addr) || !InRel32(addr+span, target) {
			continue
		}
		if s.find(addr) != nil || s.find(addr+span-1) != nil {
			continue
		}
		if err := s.mapLocked(addr, make([]byte, span), ProtRWX); err != nil {
			continue
		}
		s.caveUsed[addr] = int(span)
		return addr, nil
	}
	return 0, fmt.Errorf("alloc near %#x: %w", target, ErrNoCaveInRange)
}

// Free implements Process.
func (s *Sim) Free(addr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caveUsed[addr]; !ok {
		return fmt.Errorf("free %#x: %w", addr, ErrAddressNotMapped)
	}
	delete(s.caveUsed, addr)
	for i, r := range s.regions {
		if r.base == addr {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			break
		}
	}
	return nil
}

// Allocated returns the number of live codecave blocks.
func (s *Sim) Allocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.caveUsed)
}

// Callback implements Process.
func (s *Sim) Callback(fn func() uintptr) (uintptr, error) {
	if fn == nil {
		return 0, fmt.Errorf("callback: nil function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.nextCB
	s.nextCB += callbackStride
	s.callbacks[addr] = fn
	return addr, nil
}

// Lookup returns the Go function registered at addr, if any.
func (s *Sim) Lookup(addr uintptr) (func() uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.callbacks[addr]
	return fn, ok
}
