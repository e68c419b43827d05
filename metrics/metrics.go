// Package metrics holds the Prometheus counters shared by the hook engine,
// the event bus and the signature store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hookbus"

// Metrics is a private registry plus the counters registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	HookInvocations    *prometheus.CounterVec
	HookCancellations  *prometheus.CounterVec
	HookReentryBypass  *prometheus.CounterVec
	HookCallbackPanics *prometheus.CounterVec

	EventDispatches *prometheus.CounterVec
	ListenerErrors  *prometheus.CounterVec

	SignatureLookups *prometheus.CounterVec
}

// CounterVecOpts mirrors prometheus.CounterOpts plus label names.
type CounterVecOpts struct {
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

// New creates a registry with every counter registered.
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.HookInvocations = m.counterVec(CounterVecOpts{
		Subsystem: "hook", Name: "invocations_total",
		Help:   "Times a hooked site was entered.",
		Labels: []string{"hook"},
	})
	m.HookCancellations = m.counterVec(CounterVecOpts{
		Subsystem: "hook", Name: "cancellations_total",
		Help:   "Invocations whose original code was skipped by a before-callback.",
		Labels: []string{"hook"},
	})
	m.HookReentryBypass = m.counterVec(CounterVecOpts{
		Subsystem: "hook", Name: "reentry_bypass_total",
		Help:   "Re-entrant invocations that ran the original without callbacks.",
		Labels: []string{"hook"},
	})
	m.HookCallbackPanics = m.counterVec(CounterVecOpts{
		Subsystem: "hook", Name: "callback_panics_total",
		Help:   "Panics recovered inside hook callbacks.",
		Labels: []string{"hook"},
	})
	m.EventDispatches = m.counterVec(CounterVecOpts{
		Subsystem: "event", Name: "dispatch_total",
		Help:   "Events dispatched, by type and phase.",
		Labels: []string{"event", "time"},
	})
	m.ListenerErrors = m.counterVec(CounterVecOpts{
		Subsystem: "event", Name: "listener_errors_total",
		Help:   "Listener calls that returned an error or panicked.",
		Labels: []string{"event"},
	})
	m.SignatureLookups = m.counterVec(CounterVecOpts{
		Subsystem: "signature", Name: "lookups_total",
		Help:   "Signature lookups by outcome (hit, resolved, miss).",
		Labels: []string{"result"},
	})
	return m
}

func (m *Metrics) counterVec(o CounterVecOpts) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
	}, o.Labels)
	m.Registry.MustRegister(cv)
	return cv
}

// OrNew returns m, or a fresh private set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}
