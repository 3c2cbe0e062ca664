// Package availability derives the "how many more jobs can be admitted"
// snapshot from a limiter's live resource stats and emits a callback only
// when that snapshot actually changes.
package availability

import (
	"math"
	"sync"

	"ratectl/internal/domain"
)

// Callback receives the new snapshot, the event that triggered
// recomputation, the model the event concerned (empty for
// instance-wide events), and the adjustment payload when reason is
// ReasonAdjustment.
type Callback func(snapshot domain.AvailabilitySnapshot, reason domain.AvailabilityReason, modelID string, adjustment *domain.RatioAdjustment)

// Tracker diffs successive availability snapshots and emits a callback only
// when the observable value actually changed. The caller (the
// orchestrator) is responsible for recomputing the snapshot via Derive;
// per spec §9 the tracker holds no back-reference into limiter internals,
// only the callback it was built with.
type Tracker struct {
	mu       sync.Mutex
	last     domain.AvailabilitySnapshot
	hasLast  bool
	callback Callback
}

// New creates a tracker reporting changes through callback. callback may be
// nil (snapshots are then only diffed, never delivered).
func New(callback Callback) *Tracker {
	return &Tracker{callback: callback}
}

// Notify diffs snap against the last delivered snapshot and, if it
// differs, invokes the callback.
func (t *Tracker) Notify(snap domain.AvailabilitySnapshot, reason domain.AvailabilityReason, modelID string, adjustment *domain.RatioAdjustment) {
	t.mu.Lock()
	changed := !t.hasLast || !t.last.Equal(snap)
	t.last = snap
	t.hasLast = true
	t.mu.Unlock()

	if !changed || t.callback == nil {
		return
	}
	t.callback(snap, reason, modelID, adjustment)
}

// Derive computes an AvailabilitySnapshot from per-dimension availability
// inputs, any of which may be nil if that dimension is unconfigured.
// slots = min over configured dimensions of floor(available/estimatedPerJob);
// a job type with no configured dimensions has unbounded slots (A1).
func Derive(estimatedTokens, estimatedRequests, estimatedMemoryKB int64,
	tpm, tpd, rpm, rpd, concurrency, memory *domain.ResourceAvailability) domain.AvailabilitySnapshot {

	snap := domain.AvailabilitySnapshot{
		TokensPerMinute:    tpm,
		TokensPerDay:       tpd,
		RequestsPerMinute:  rpm,
		RequestsPerDay:     rpd,
		ConcurrentRequests: concurrency,
		MemoryKB:           memory,
	}

	best := int64(math.MaxInt64)
	configured := false

	considerTokens := func(r *domain.ResourceAvailability) {
		if r == nil || estimatedTokens <= 0 {
			return
		}
		configured = true
		slots := r.Available / estimatedTokens
		if slots < best {
			best = slots
		}
	}
	considerRequests := func(r *domain.ResourceAvailability) {
		if r == nil || estimatedRequests <= 0 {
			return
		}
		configured = true
		slots := r.Available / estimatedRequests
		if slots < best {
			best = slots
		}
	}

	considerTokens(tpm)
	considerTokens(tpd)
	considerRequests(rpm)
	considerRequests(rpd)

	if concurrency != nil {
		configured = true
		if concurrency.Available < best {
			best = concurrency.Available
		}
	}
	if memory != nil && estimatedMemoryKB > 0 {
		configured = true
		slots := memory.Available / estimatedMemoryKB
		if slots < best {
			best = slots
		}
	}

	if !configured {
		snap.Unbounded = true
		return snap
	}
	if best < 0 {
		best = 0
	}
	snap.Slots = best
	return snap
}
