package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCounters(t *testing.T) {
	m := New()
	m.HookInvocations.WithLabelValues("tick").Inc()
	m.HookInvocations.WithLabelValues("tick").Inc()
	m.EventDispatches.WithLabelValues("tick", "before").Inc()

	if got := testutil.ToFloat64(m.HookInvocations.WithLabelValues("tick")); got != 2 {
		t.Fatalf("expected 2 invocations, got %v", got)
	}
	if n := testutil.CollectAndCount(m.EventDispatches); n != 1 {
		t.Fatalf("expected 1 dispatch series, got %d", n)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 2 {
		t.Errorf("expected 2 non-empty families, got %d", len(families))
	}
}

func TestOrNew(t *testing.T) {
	m := New()
	if OrNew(m) != m {
		t.Error("OrNew replaced a non-nil set")
	}
	if OrNew(nil) == nil {
		t.Error("OrNew(nil) returned nil")
	}
}
