// Package signature locates code and data inside a loaded module by fuzzy
// byte patterns. A Store holds named definitions, resolves each one lazily on
// first use against the mapped image and memoizes the address for the
// lifetime of the store.
package signature

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/0xffffa/hookbus/memory"
	"github.com/0xffffa/hookbus/metrics"
)

// Definition is a static signature table entry.
type Definition struct {
	Name    string
	Pattern string
	// Match selects which occurrence to use, starting at 0.
	Match int
	// Offset is added to the match address.
	Offset int
}

// Signature is a registered definition plus its resolved state.
type Signature struct {
	Name    string
	Pattern Pattern
	Match   int
	Offset  int

	resolved bool
	address  uintptr
	original []byte
}

// Address returns the resolved address, if any.
func (s *Signature) Address() (uintptr, bool) { return s.address, s.resolved }

// Store resolves signatures against one module.
type Store struct {
	mem     memory.Memory
	module  memory.Module
	log     *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	sigs map[string]*Signature
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a store scanning module through mem. The module must be
// fully mapped: resolved addresses are absolute.
func NewStore(mem memory.Memory, module memory.Module, opts ...Option) *Store {
	s := &Store{
		mem:    mem,
		module: module,
		log:    slog.Default(),
		sigs:   make(map[string]*Signature),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.OrNew(s.metrics)
	s.log = s.log.With("component", "signature")
	return s
}

// Module returns the module the store scans.
func (s *Store) Module() memory.Module { return s.module }

// Register adds definitions. A name may only be registered once.
func (s *Store) Register(defs ...Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range defs {
		if _, ok := s.sigs[d.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSignature, d.Name)
		}
		p, err := ParsePattern(d.Pattern)
		if err != nil {
			return fmt.Errorf("signature %s: %w", d.Name, err)
		}
		if d.Match < 0 {
			return fmt.Errorf("signature %s: %w %d", d.Name, ErrInvalidMatch, d.Match)
		}
		s.sigs[d.Name] = &Signature{Name: d.Name, Pattern: p, Match: d.Match, Offset: d.Offset}
	}
	return nil
}

// Replace registers or overwrites a definition. A previously resolved
// address is discarded.
func (s *Store) Replace(d Definition) error {
	p, err := ParsePattern(d.Pattern)
	if err != nil {
		return fmt.Errorf("signature %s: %w", d.Name, err)
	}
	if d.Match < 0 {
		return fmt.Errorf("signature %s: %w %d", d.Name, ErrInvalidMatch, d.Match)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs[d.Name] = &Signature{Name: d.Name, Pattern: p, Match: d.Match, Offset: d.Offset}
	return nil
}

// Names returns the registered names in order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sigs))
	for n := range s.sigs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Find returns the address of a named signature, resolving it on first use.
// Later calls return the memoized address.
func (s *Store) Find(name string) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.sigs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSignature, name)
	}
	if sig.resolved {
		s.metrics.SignatureLookups.WithLabelValues("hit").Inc()
		return sig.address, nil
	}

	addr, err := s.resolve(sig.Pattern, sig.Match, sig.Offset)
	if err != nil {
		s.metrics.SignatureLookups.WithLabelValues("miss").Inc()
		if nf, ok := err.(*NotFoundError); ok {
			nf.Name = name
		}
		s.log.Warn("signature not found", "signature", name, "pattern", sig.Pattern.String(), "err", err)
		return 0, err
	}

	sig.address = addr
	sig.original = s.saveOriginal(addr, len(sig.Pattern))
	sig.resolved = true
	s.metrics.SignatureLookups.WithLabelValues("resolved").Inc()
	s.log.Debug("signature resolved", "signature", name, "address", fmt.Sprintf("%#x", addr))
	return addr, nil
}

// Resolve scans the module for the match-th occurrence of p and returns its
// address plus offset. Nothing is cached.
func (s *Store) Resolve(p Pattern, match, offset int) (uintptr, error) {
	return s.resolve(p, match, offset)
}

func (s *Store) resolve(p Pattern, match, offset int) (uintptr, error) {
	if match < 0 {
		return 0, fmt.Errorf("%w %d", ErrInvalidMatch, match)
	}
	image, err := s.mem.Read(s.module.Base, int(s.module.Size))
	if err != nil {
		return 0, fmt.Errorf("read module %s: %w", s.module, err)
	}
	hits := p.Scan(image, match+1)
	if len(hits) <= match {
		return 0, &NotFoundError{Pattern: p, Match: match, Found: len(hits)}
	}
	return uintptr(int(s.module.Base) + hits[match] + offset), nil
}

func (s *Store) saveOriginal(addr uintptr, n int) []byte {
	for ; n > 0; n-- {
		if b, err := s.mem.Read(addr, n); err == nil {
			return b
		}
	}
	return nil
}

// Original returns a copy of the bytes saved when name was resolved.
func (s *Store) Original(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.sigs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignature, name)
	}
	if !sig.resolved {
		return nil, fmt.Errorf("%w: %s", ErrNotResolved, name)
	}
	return append([]byte(nil), sig.original...), nil
}

// Restore writes the bytes saved at resolution time back to the signature's
// address, whatever is there now.
func (s *Store) Restore(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.sigs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSignature, name)
	}
	if !sig.resolved {
		return fmt.Errorf("%w: %s", ErrNotResolved, name)
	}
	if err := s.mem.Write(sig.address, sig.original); err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	s.log.Debug("signature restored", "signature", name)
	return nil
}
