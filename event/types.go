package event

import (
	"fmt"
	"strings"
)

// Time is the phase of an intercepted action an event describes.
type Time int

const (
	// Before is dispatched before the original code runs.
	Before Time = iota
	// After is dispatched once the original code has run.
	After
)

// String returns a human-readable phase name.
func (t Time) String() string {
	switch t {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "unknown"
	}
}

// Priority selects a listener tier. Lower values are dispatched first.
type Priority int

const (
	// Highest runs first. Debug listeners use it.
	Highest Priority = iota
	AboveDefault
	// Default is the priority used when none is given.
	Default
	// Lowest runs last.
	Lowest

	numPriorities = int(Lowest) + 1
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case Highest:
		return "highest"
	case AboveDefault:
		return "above_default"
	case Default:
		return "default"
	case Lowest:
		return "lowest"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four tiers.
func (p Priority) Valid() bool { return p >= Highest && p <= Lowest }

// ParsePriority parses a priority name as printed by String. Dashes and
// case are ignored, and the empty string means Default.
func ParsePriority(s string) (Priority, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "highest":
		return Highest, nil
	case "above_default", "abovedefault":
		return AboveDefault, nil
	case "default", "":
		return Default, nil
	case "lowest":
		return Lowest, nil
	default:
		return Default, fmt.Errorf("unknown priority %q", s)
	}
}

// Event is implemented by every event payload type.
type Event interface {
	Time() Time
	Cancellable() bool
	Cancelled() bool
	// Cancel requests that the original action be skipped. It returns
	// ErrInvalidCancellation for non-cancellable events.
	Cancel() error
}

// Header carries the state shared by all events. Event types embed it and
// are passed by pointer.
type Header struct {
	time        Time
	cancellable bool
	cancelled   bool
}

// NewHeader creates a header for an event dispatched at t.
func NewHeader(t Time, cancellable bool) Header {
	return Header{time: t, cancellable: cancellable}
}

// Time returns the dispatch phase.
func (h *Header) Time() Time { return h.time }

// Cancellable reports whether Cancel is allowed.
func (h *Header) Cancellable() bool { return h.cancellable }

// Cancelled reports whether a listener cancelled the event.
func (h *Header) Cancelled() bool { return h.cancelled }

// Cancel marks the event cancelled.
func (h *Header) Cancel() error {
	if !h.cancellable {
		return ErrInvalidCancellation
	}
	h.cancelled = true
	return nil
}
