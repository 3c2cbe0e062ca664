package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	m.ReservationAttempts.WithLabelValues("m1", "default", "hit").Inc()
	m.JobTypeRatio.WithLabelValues("default").Set(0.5)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}
}
