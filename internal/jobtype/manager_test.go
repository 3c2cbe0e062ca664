package jobtype

import (
	"context"
	"math"
	"testing"
	"time"

	"ratectl/internal/domain"
)

func flexibleRatio(v float64) *domain.RatioConfig {
	return &domain.RatioConfig{InitialValue: v, Flexible: true}
}

func TestInitialRatiosExplicitAndImplicit(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"a": {Ratio: flexibleRatio(0.6)},
		"b": {},
		"c": {},
	}
	m, err := NewManager(types, 10, DefaultAdjustmentConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := m.Stats()
	if math.Abs(stats["a"].CurrentRatio-0.6) > 1e-9 {
		t.Fatalf("ratio a = %v, want 0.6", stats["a"].CurrentRatio)
	}
	if math.Abs(stats["b"].CurrentRatio-0.2) > 1e-9 {
		t.Fatalf("ratio b = %v, want 0.2 (even split of remaining 0.4)", stats["b"].CurrentRatio)
	}
}

func TestInitialRatiosNormalizeWhenAllExplicitSumBelowOne(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"a": {Ratio: flexibleRatio(0.3)},
		"b": {Ratio: flexibleRatio(0.3)},
	}
	m, err := NewManager(types, 10, DefaultAdjustmentConfig(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats := m.Stats()
	sum := stats["a"].CurrentRatio + stats["b"].CurrentRatio
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("sum = %v, want 1 after normalization", sum)
	}
}

func TestInvalidRatioRejected(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"a": {Ratio: flexibleRatio(1.5)},
	}
	if _, err := NewManager(types, 10, DefaultAdjustmentConfig(), nil); err == nil {
		t.Fatal("expected ConfigError for ratio > 1")
	}
}

func TestInvariantsAllocationBounds(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"a": {Ratio: flexibleRatio(0.5)},
		"b": {Ratio: flexibleRatio(0.5)},
	}
	m, _ := NewManager(types, 10, DefaultAdjustmentConfig(), nil)

	stats := m.Stats()
	var sumAllocated int64
	for _, s := range stats {
		sumAllocated += s.AllocatedSlots
	}
	if sumAllocated > 10 {
		t.Fatalf("sum allocated = %d, exceeds total capacity 10", sumAllocated)
	}
}

func TestAcquireReleaseFIFO(t *testing.T) {
	types := map[string]domain.JobTypeConfig{"a": {Ratio: flexibleRatio(1.0)}}
	m, _ := NewManager(types, 1, DefaultAdjustmentConfig(), nil)

	if ok, _ := m.TryAcquire("a"); !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if ok, _ := m.TryAcquire("a"); ok {
		t.Fatal("expected second acquire to fail: no slots left")
	}

	done := make(chan struct{})
	go func() {
		_ = m.Acquire(context.Background(), "a")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	m.Release("a")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued acquire never completed after release")
	}

	stats := m.Stats()
	if stats["a"].InFlight != 1 {
		t.Fatalf("inFlight = %d, want 1 (slot transferred, not freed)", stats["a"].InFlight)
	}
}

func TestDynamicRatioAdjustmentScenario(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"busy": {Ratio: flexibleRatio(0.5)},
		"idle": {Ratio: flexibleRatio(0.5)},
	}
	cfg := DefaultAdjustmentConfig()
	cfg.AdjustmentIntervalMs = 0
	cfg.ReleasesPerAdjustment = 5
	m, _ := NewManager(types, 10, cfg, nil)

	// Load "busy" to 100% (5/5), leave "idle" empty.
	for i := 0; i < 5; i++ {
		ok, _ := m.TryAcquire("busy")
		if !ok {
			t.Fatalf("expected acquire %d to succeed", i)
		}
	}

	// Trigger releasesPerAdjustment releases on "idle" (capacity unaffected
	// since inFlight never rises above zero there).
	for i := 0; i < 5; i++ {
		m.Release("idle")
	}

	stats := m.Stats()
	if stats["busy"].CurrentRatio <= 0.5 {
		t.Fatalf("busy ratio = %v, want > 0.5 after adjustment", stats["busy"].CurrentRatio)
	}
	if stats["idle"].CurrentRatio >= 0.5 {
		t.Fatalf("idle ratio = %v, want < 0.5 after adjustment", stats["idle"].CurrentRatio)
	}
	if stats["idle"].CurrentRatio < cfg.MinRatio {
		t.Fatalf("idle ratio = %v, fell below minRatio %v", stats["idle"].CurrentRatio, cfg.MinRatio)
	}
	sum := stats["busy"].CurrentRatio + stats["idle"].CurrentRatio
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("ratios sum to %v, want 1", sum)
	}
}

func TestNonFlexibleTypeNeverAdjusted(t *testing.T) {
	types := map[string]domain.JobTypeConfig{
		"busy":  {Ratio: flexibleRatio(0.5)},
		"fixed": {Ratio: &domain.RatioConfig{InitialValue: 0.5, Flexible: false}},
	}
	cfg := DefaultAdjustmentConfig()
	m, _ := NewManager(types, 10, cfg, nil)

	for i := 0; i < 5; i++ {
		_, _ = m.TryAcquire("busy")
	}
	before := m.Stats()["fixed"].CurrentRatio

	m.AdjustRatios()

	after := m.Stats()["fixed"].CurrentRatio
	if before != after {
		t.Fatalf("non-flexible ratio changed: %v -> %v", before, after)
	}
}

func TestStopDrainsWaitersWithMiss(t *testing.T) {
	types := map[string]domain.JobTypeConfig{"a": {Ratio: flexibleRatio(1.0)}}
	m, _ := NewManager(types, 1, DefaultAdjustmentConfig(), nil)
	_, _ = m.TryAcquire("a")

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Acquire(context.Background(), "a")
	}()
	time.Sleep(20 * time.Millisecond)

	m.Stop()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after stop")
		}
	case <-time.After(time.Second):
		t.Fatal("stop did not unblock the waiter")
	}
}
