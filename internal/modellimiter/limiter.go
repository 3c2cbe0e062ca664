// Package modellimiter implements the per-model reservation protocol:
// four time-window counters (tokens/requests × minute/day) plus a
// concurrency semaphore and an optional memory semaphore, reserved
// atomically, with a bounded-wait FIFO queue for callers willing to wait.
package modellimiter

import (
	"container/list"
	"context"
	"sync"
	"time"

	"ratectl/internal/domain"
	"ratectl/internal/semaphore"
	"ratectl/internal/window"
)

// OverageFunc is invoked when reconciliation pushes a counter past its
// configured limit. It is a report, never a retry signal.
type OverageFunc func(dimension domain.Dimension, overshoot int64)

// MissFunc is invoked for the one dimension that rejected a TryReserve
// attempt, so a caller can attribute reservation misses by dimension
// (e.g. for telemetry) without this package knowing anything about metrics.
type MissFunc func(dimension domain.Dimension)

// Estimate is the resource estimate for one reservation attempt.
type Estimate struct {
	Tokens     int64
	Requests   int64
	MemoryKB   int64
}

type waitEntry struct {
	estimate  Estimate
	resultCh  chan waitResult
	completed bool
}

type waitResult struct {
	ok bool
	rc domain.ReservationContext
}

// Limiter aggregates the six resources governing admission to one model.
type Limiter struct {
	modelID string

	tpm *window.Counter // nil if unconfigured
	rpm *window.Counter
	tpd *window.Counter
	rpd *window.Counter

	concurrency           *semaphore.Weighted
	concurrencyConfigured bool // false when MaxConcurrentRequests was unset; concurrency still gates admission, but Availability reports it as "none" per spec §3
	memory                *semaphore.Weighted // nil if unconfigured

	onOverage OverageFunc
	onMiss    MissFunc

	mu         sync.Mutex
	waiters    list.List // of *waitEntry
	timerArmed bool
}

// Config describes one model's limits, mirroring domain.ModelConfig but
// expressed as ready-to-use window/semaphore constructors.
type Config struct {
	ModelID               string
	TokensPerMinute       *int64
	TokensPerDay          *int64
	RequestsPerMinute     *int64
	RequestsPerDay        *int64
	MaxConcurrentRequests *int64
	MaxCapacityKB         *int64
	OnOverage             OverageFunc
	OnMiss                MissFunc
}

// New builds a per-model limiter from a configuration. Unconfigured
// dimensions (nil pointer) are treated as unbounded.
func New(cfg Config) *Limiter {
	l := &Limiter{
		modelID:   cfg.ModelID,
		onOverage: cfg.OnOverage,
		onMiss:    cfg.OnMiss,
	}
	if cfg.TokensPerMinute != nil {
		l.tpm = window.NewMinute(*cfg.TokensPerMinute)
	}
	if cfg.TokensPerDay != nil {
		l.tpd = window.NewDay(*cfg.TokensPerDay)
	}
	if cfg.RequestsPerMinute != nil {
		l.rpm = window.NewMinute(*cfg.RequestsPerMinute)
	}
	if cfg.RequestsPerDay != nil {
		l.rpd = window.NewDay(*cfg.RequestsPerDay)
	}
	if cfg.MaxConcurrentRequests != nil {
		l.concurrency = semaphore.NewWeighted(*cfg.MaxConcurrentRequests)
		l.concurrencyConfigured = true
	} else {
		l.concurrency = semaphore.NewWeighted(1 << 40) // effectively unbounded, but unreported (see concurrencyConfigured)
	}
	if cfg.MaxCapacityKB != nil {
		l.memory = semaphore.NewWeighted(*cfg.MaxCapacityKB)
	}
	return l
}

// ModelID returns the model this limiter governs.
func (l *Limiter) ModelID() string { return l.modelID }

func (l *Limiter) reportMiss(dim domain.Dimension) {
	if l.onMiss != nil {
		l.onMiss(dim)
	}
}

// TryReserve attempts the atomic six-resource reservation described in
// spec §4.3: each counter is tried in a fixed order, with symmetric
// rollback on the first failure, followed by memory then concurrency.
func (l *Limiter) TryReserve(est Estimate) (bool, domain.ReservationContext) {
	var snap domain.WindowSnapshot
	reservedCounters := make([]func(), 0, 4)

	tryCounter := func(c *window.Counter, n int64, dim domain.Dimension, set func(id int64)) bool {
		if c == nil {
			return true
		}
		ok, s := c.TryReserve(n)
		if !ok {
			l.reportMiss(dim)
			return false
		}
		set(s.WindowID)
		reservedCounters = append(reservedCounters, func() { c.Release(n, s) })
		return true
	}

	rollback := func() {
		for i := len(reservedCounters) - 1; i >= 0; i-- {
			reservedCounters[i]()
		}
	}

	if !tryCounter(l.tpm, est.Tokens, domain.DimensionTokensMinute, func(id int64) { snap.TPMWindowID = id }) {
		rollback()
		return false, domain.ReservationContext{}
	}
	if !tryCounter(l.rpm, est.Requests, domain.DimensionRequestsMinute, func(id int64) { snap.RPMWindowID = id }) {
		rollback()
		return false, domain.ReservationContext{}
	}
	if !tryCounter(l.tpd, est.Tokens, domain.DimensionTokensDay, func(id int64) { snap.TPDWindowID = id }) {
		rollback()
		return false, domain.ReservationContext{}
	}
	if !tryCounter(l.rpd, est.Requests, domain.DimensionRequestsDay, func(id int64) { snap.RPDWindowID = id }) {
		rollback()
		return false, domain.ReservationContext{}
	}

	if l.memory != nil && est.MemoryKB > 0 {
		if !l.memory.TryAcquire(est.MemoryKB) {
			l.reportMiss(domain.DimensionMemory)
			rollback()
			return false, domain.ReservationContext{}
		}
	}

	if !l.concurrency.TryAcquire(1) {
		l.reportMiss(domain.DimensionConcurrentRequest)
		if l.memory != nil && est.MemoryKB > 0 {
			l.memory.Release(est.MemoryKB)
		}
		rollback()
		return false, domain.ReservationContext{}
	}

	return true, domain.ReservationContext{
		ModelID:       l.modelID,
		Snapshot:      snap,
		TokenWeight:   est.Tokens,
		RequestWeight: est.Requests,
		MemoryWeight:  est.MemoryKB,
	}
}

// WaitForReservation waits up to maxWait for a reservation to become
// available, per the bounded-wait FIFO protocol of spec §4.3. maxWait<=0
// means a single immediate attempt with no queueing.
func (l *Limiter) WaitForReservation(ctx context.Context, est Estimate, maxWait time.Duration) (bool, domain.ReservationContext) {
	if ok, rc := l.TryReserve(est); ok {
		return true, rc
	}
	if maxWait <= 0 {
		return false, domain.ReservationContext{}
	}

	entry := &waitEntry{estimate: est, resultCh: make(chan waitResult, 1)}

	l.mu.Lock()
	elem := l.waiters.PushBack(entry)
	l.mu.Unlock()
	l.armWindowWake()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case res := <-entry.resultCh:
		return res.ok, res.rc
	case <-timer.C:
		l.cancelWaiter(elem, entry)
		return false, domain.ReservationContext{}
	case <-ctx.Done():
		l.cancelWaiter(elem, entry)
		return false, domain.ReservationContext{}
	}
}

func (l *Limiter) cancelWaiter(elem *list.Element, entry *waitEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.completed {
		return
	}
	entry.completed = true
	l.waiters.Remove(elem)
}

// processQueue serves the FIFO queue from the head: as long as the head
// waiter's reservation succeeds, it is completed and the next one is tried;
// the first unsatisfiable head stops processing (a bottleneck further back
// in the queue never lets later, smaller waiters cut in line).
func (l *Limiter) processQueue() {
	l.mu.Lock()
	for {
		front := l.waiters.Front()
		if front == nil {
			break
		}
		entry := front.Value.(*waitEntry)
		ok, rc := l.TryReserve(entry.estimate)
		if !ok {
			break
		}
		l.waiters.Remove(front)
		entry.completed = true
		entry.resultCh <- waitResult{ok: true, rc: rc}
	}
	stillWaiting := l.waiters.Len() > 0
	l.mu.Unlock()

	if stillWaiting {
		l.armWindowWake()
	}
}

// armWindowWake ensures a timer is pending for the next minute-window
// boundary, so a release that only unblocks a window-bound waiter after
// rollover still gets retried even with no further explicit releases.
func (l *Limiter) armWindowWake() {
	l.mu.Lock()
	if l.timerArmed || l.waiters.Len() == 0 {
		l.mu.Unlock()
		return
	}
	l.timerArmed = true
	l.mu.Unlock()

	now := time.Now().UnixMilli()
	delay := window.MinuteMs - (now % window.MinuteMs)

	time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		l.mu.Lock()
		l.timerArmed = false
		l.mu.Unlock()
		l.processQueue()
	})
}

// Release returns the concurrency and memory permits tied to rc without
// touching the time-window counters (used when a job fails, where the
// original estimate is left committed since no corrected actual is known;
// delegation goes through Commit instead).
func (l *Limiter) Release(rc domain.ReservationContext) {
	l.concurrency.Release(1)
	if l.memory != nil && rc.MemoryWeight > 0 {
		l.memory.Release(rc.MemoryWeight)
	}
	l.processQueue()
}

// Commit reconciles actual usage against the original estimate tied to rc:
// each window counter is adjusted by actual-estimated using rc's snapshot
// (a no-op if that window already rolled), any resulting overrun is
// reported via OverageFunc, and the concurrency/memory permits are
// released.
func (l *Limiter) Commit(actualTokens, actualRequests int64, rc domain.ReservationContext) {
	deltaTokens := actualTokens - rc.TokenWeight
	deltaRequests := actualRequests - rc.RequestWeight

	l.commitCounter(l.tpm, deltaTokens, rc.Snapshot.TPMWindowID, domain.DimensionTokensMinute)
	l.commitCounter(l.tpd, deltaTokens, rc.Snapshot.TPDWindowID, domain.DimensionTokensDay)
	l.commitCounter(l.rpm, deltaRequests, rc.Snapshot.RPMWindowID, domain.DimensionRequestsMinute)
	l.commitCounter(l.rpd, deltaRequests, rc.Snapshot.RPDWindowID, domain.DimensionRequestsDay)

	l.Release(rc)
}

func (l *Limiter) commitCounter(c *window.Counter, delta int64, windowID int64, dim domain.Dimension) {
	if c == nil || delta == 0 {
		return
	}
	c.CommitDelta(delta, window.Snapshot{WindowID: windowID})

	if l.onOverage == nil {
		return
	}
	stats := c.Stats()
	if stats.WindowID == windowID && stats.Count > stats.Limit {
		l.onOverage(dim, stats.Count-stats.Limit)
	}
}

// SetLimits hot-reconfigures the limiter's dimensions, used when the
// distributed backend pushes a new per-instance pool allocation.
func (l *Limiter) SetLimits(tpm, rpm, tpd, rpd *int64, concurrency *int64) {
	if l.tpm != nil && tpm != nil {
		l.tpm.SetLimit(*tpm)
	}
	if l.rpm != nil && rpm != nil {
		l.rpm.SetLimit(*rpm)
	}
	if l.tpd != nil && tpd != nil {
		l.tpd.SetLimit(*tpd)
	}
	if l.rpd != nil && rpd != nil {
		l.rpd.SetLimit(*rpd)
	}
	if concurrency != nil {
		l.concurrency.Resize(*concurrency)
		l.processQueue()
	}
}

// Availability reports this model's current headroom per configured
// dimension, feeding the cross-cutting availability tracker.
func (l *Limiter) Availability() (tpm, tpd, rpm, rpd *domain.ResourceAvailability, concurrency *domain.ResourceAvailability, memory *domain.ResourceAvailability) {
	resourceFor := func(c *window.Counter) *domain.ResourceAvailability {
		if c == nil {
			return nil
		}
		s := c.Stats()
		avail := s.Limit - s.Count
		if avail < 0 {
			avail = 0
		}
		return &domain.ResourceAvailability{Available: avail, Limit: s.Limit}
	}

	tpm = resourceFor(l.tpm)
	tpd = resourceFor(l.tpd)
	rpm = resourceFor(l.rpm)
	rpd = resourceFor(l.rpd)

	if l.concurrencyConfigured {
		cstats := l.concurrency.Stats()
		concurrency = &domain.ResourceAvailability{Available: cstats.Available, Limit: cstats.Max}
	}

	if l.memory != nil {
		mstats := l.memory.Stats()
		memory = &domain.ResourceAvailability{Available: mstats.Available, Limit: mstats.Max}
	}
	return
}

// HasHeadroom reports whether est fits every configured dimension right
// now and no waiter is queued, without reserving anything or disturbing
// FIFO order. A non-empty waiter queue always reports false, even where
// TryReserve itself would still succeed.
func (l *Limiter) HasHeadroom(est Estimate) bool {
	l.mu.Lock()
	waiting := l.waiters.Len()
	l.mu.Unlock()
	if waiting > 0 {
		return false
	}

	fits := func(c *window.Counter, n int64) bool {
		if c == nil {
			return true
		}
		return c.Available() >= n
	}
	if !fits(l.tpm, est.Tokens) || !fits(l.tpd, est.Tokens) {
		return false
	}
	if !fits(l.rpm, est.Requests) || !fits(l.rpd, est.Requests) {
		return false
	}
	if l.memory != nil && est.MemoryKB > 0 && !l.memory.HasCapacityFor(est.MemoryKB) {
		return false
	}
	return l.concurrency.HasCapacityFor(1)
}

// Waiting reports the current FIFO queue depth, for stats/telemetry.
func (l *Limiter) Waiting() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.waiters.Len())
}

// Stop drains the FIFO queue by completing every waiter with a terminal
// miss, per spec §5's shutdown semantics.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		front := l.waiters.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*waitEntry)
		l.waiters.Remove(front)
		if !entry.completed {
			entry.completed = true
			entry.resultCh <- waitResult{ok: false}
		}
	}
}
