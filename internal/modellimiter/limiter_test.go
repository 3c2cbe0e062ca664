package modellimiter

import (
	"context"
	"testing"
	"time"

	"ratectl/internal/domain"
)

func ptr(n int64) *int64 { return &n }

func TestReservationAcrossAllDimensions(t *testing.T) {
	l := New(Config{
		ModelID:               "m1",
		TokensPerMinute:       ptr(100),
		RequestsPerMinute:     ptr(5),
		MaxConcurrentRequests: ptr(2),
	})

	ok, rc := l.TryReserve(Estimate{Tokens: 50, Requests: 1})
	if !ok {
		t.Fatal("expected reservation to succeed")
	}
	if rc.ModelID != "m1" {
		t.Fatalf("modelID = %q, want m1", rc.ModelID)
	}
}

func TestReservationRollsBackOnConcurrencyMiss(t *testing.T) {
	l := New(Config{
		ModelID:               "m1",
		TokensPerMinute:       ptr(1000),
		MaxConcurrentRequests: ptr(1),
	})

	ok1, rc1 := l.TryReserve(Estimate{Tokens: 10, Requests: 1})
	if !ok1 {
		t.Fatal("first reservation should succeed")
	}

	ok2, _ := l.TryReserve(Estimate{Tokens: 10, Requests: 1})
	if ok2 {
		t.Fatal("second reservation should fail: concurrency exhausted")
	}

	// Token counter reservation from the failed attempt must have rolled
	// back, so a fresh attempt using the whole budget still succeeds once
	// concurrency frees up.
	l.Release(rc1)

	ok3, _ := l.TryReserve(Estimate{Tokens: 990, Requests: 1})
	if !ok3 {
		t.Fatal("expected rollback to have freed the token reservation from the failed attempt")
	}
}

func TestBoundedWaitSucceedsAfterRelease(t *testing.T) {
	l := New(Config{
		ModelID:               "m1",
		MaxConcurrentRequests: ptr(1),
	})

	ok, rc := l.TryReserve(Estimate{Requests: 1})
	if !ok {
		t.Fatal("setup reservation failed")
	}

	resultCh := make(chan bool, 1)
	go func() {
		ok, _ := l.WaitForReservation(context.Background(), Estimate{Requests: 1}, time.Second)
		resultCh <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	l.Release(rc)

	select {
	case ok := <-resultCh:
		if !ok {
			t.Fatal("expected waiter to succeed after release")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never completed")
	}
}

func TestBoundedWaitTimesOut(t *testing.T) {
	l := New(Config{
		ModelID:               "m1",
		MaxConcurrentRequests: ptr(1),
	})

	_, _ = l.TryReserve(Estimate{Requests: 1})

	ok, _ := l.WaitForReservation(context.Background(), Estimate{Requests: 1}, 30*time.Millisecond)
	if ok {
		t.Fatal("expected timeout miss")
	}
	if w := l.Waiting(); w != 0 {
		t.Fatalf("waiting = %d, want 0 after timeout removes the entry", w)
	}
}

func TestCommitOverageReported(t *testing.T) {
	var gotDim domain.Dimension
	var gotOvershoot int64

	l := New(Config{
		ModelID:               "m1",
		TokensPerMinute:       ptr(100),
		MaxConcurrentRequests: ptr(1),
		OnOverage: func(dim domain.Dimension, overshoot int64) {
			gotDim = dim
			gotOvershoot = overshoot
		},
	})

	ok, rc := l.TryReserve(Estimate{Tokens: 90, Requests: 1})
	if !ok {
		t.Fatal("reservation failed")
	}

	l.Commit(120, 1, rc) // actual tokens exceed the estimate and the limit

	if gotDim != domain.DimensionTokensMinute {
		t.Fatalf("dimension = %q, want tokensMinute", gotDim)
	}
	if gotOvershoot != 20 {
		t.Fatalf("overshoot = %d, want 20 (120 actual - 100 limit)", gotOvershoot)
	}
}

func TestTryReserveReportsMissByDimension(t *testing.T) {
	var gotDim domain.Dimension
	misses := 0

	l := New(Config{
		ModelID:           "m1",
		RequestsPerMinute: ptr(1),
		OnMiss: func(dim domain.Dimension) {
			gotDim = dim
			misses++
		},
	})

	ok, _ := l.TryReserve(Estimate{Requests: 1})
	if !ok {
		t.Fatal("first reservation should succeed")
	}

	ok, _ = l.TryReserve(Estimate{Requests: 1})
	if ok {
		t.Fatal("second reservation should fail: RPM budget exhausted")
	}

	if misses != 1 {
		t.Fatalf("expected exactly 1 miss reported, got %d", misses)
	}
	if gotDim != domain.DimensionRequestsMinute {
		t.Fatalf("dimension = %q, want requestsMinute", gotDim)
	}
}

func TestTryReserveReportsConcurrencyMiss(t *testing.T) {
	var gotDim domain.Dimension

	l := New(Config{
		ModelID:               "m1",
		MaxConcurrentRequests: ptr(1),
		OnMiss: func(dim domain.Dimension) {
			gotDim = dim
		},
	})

	ok, _ := l.TryReserve(Estimate{Requests: 1})
	if !ok {
		t.Fatal("first reservation should succeed")
	}

	ok, _ = l.TryReserve(Estimate{Requests: 1})
	if ok {
		t.Fatal("second reservation should fail: concurrency exhausted")
	}
	if gotDim != domain.DimensionConcurrentRequest {
		t.Fatalf("dimension = %q, want concurrentRequests", gotDim)
	}
}

func TestAvailabilityReportsUnconfiguredDimensionsAsNil(t *testing.T) {
	l := New(Config{ModelID: "m1"}) // no limits configured at all

	tpm, tpd, rpm, rpd, concurrency, memory := l.Availability()
	if tpm != nil || tpd != nil || rpm != nil || rpd != nil {
		t.Fatalf("expected all window dimensions nil, got tpm=%v tpd=%v rpm=%v rpd=%v", tpm, tpd, rpm, rpd)
	}
	if concurrency != nil {
		t.Fatalf("expected concurrency nil when MaxConcurrentRequests is unset, got %+v", concurrency)
	}
	if memory != nil {
		t.Fatalf("expected memory nil when MaxCapacityKB is unset, got %+v", memory)
	}
}

func TestAvailabilityReportsConcurrencyWhenConfigured(t *testing.T) {
	l := New(Config{ModelID: "m1", MaxConcurrentRequests: ptr(3)})

	_, _, _, _, concurrency, _ := l.Availability()
	if concurrency == nil {
		t.Fatal("expected concurrency to be reported when MaxConcurrentRequests is configured")
	}
	if concurrency.Limit != 3 || concurrency.Available != 3 {
		t.Fatalf("concurrency = %+v, want Limit=3 Available=3", concurrency)
	}
}

func TestStopDrainsWaitersWithMiss(t *testing.T) {
	l := New(Config{ModelID: "m1", MaxConcurrentRequests: ptr(1)})
	_, _ = l.TryReserve(Estimate{Requests: 1})

	resultCh := make(chan bool, 1)
	go func() {
		ok, _ := l.WaitForReservation(context.Background(), Estimate{Requests: 1}, time.Minute)
		resultCh <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	l.Stop()

	select {
	case ok := <-resultCh:
		if ok {
			t.Fatal("expected terminal miss on stop")
		}
	case <-time.After(time.Second):
		t.Fatal("stop did not complete the waiter")
	}
}
