// Package jobtype maintains per-job-type slot allocations derived from a
// ratio vector of the total capacity pool, and periodically rebalances that
// vector based on observed load.
package jobtype

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ratectl/internal/domain"
)

const ratioEpsilon = 1e-4

// ConfigError is raised synchronously from NewManager on an invalid
// configuration; it is never retried.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "jobtype: " + e.Msg }

// AdjustmentConfig tunes the dynamic ratio adjustment procedure (spec §4.4).
type AdjustmentConfig struct {
	HighLoadThreshold     float64
	LowLoadThreshold      float64
	MaxAdjustment         float64
	MinRatio              float64
	AdjustmentIntervalMs  int64
	ReleasesPerAdjustment int64
}

// DefaultAdjustmentConfig mirrors the example values in spec §4.4.
func DefaultAdjustmentConfig() AdjustmentConfig {
	return AdjustmentConfig{
		HighLoadThreshold:     0.8,
		LowLoadThreshold:      0.3,
		MaxAdjustment:         0.1,
		MinRatio:              0.05,
		AdjustmentIntervalMs:  30_000,
		ReleasesPerAdjustment: 20,
	}
}

type jtWaiter struct {
	ready     chan struct{}
	completed bool
	granted   bool
}

type entry struct {
	mu             sync.Mutex
	cfg            domain.JobTypeConfig
	ratio          float64
	flexible       bool
	allocatedSlots int64
	inFlight       int64
	waiters        list.List // of *jtWaiter
}

// Manager owns all job-type state for one orchestrator instance.
type Manager struct {
	mu            sync.RWMutex
	entries       map[string]*entry
	order         []string
	totalCapacity int64
	cfg           AdjustmentConfig

	releaseCount atomic.Int64
	onAdjustment func(domain.RatioAdjustment)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager validates and constructs the per-job-type state described by
// types, distributing ratio among implicit (unconfigured) job types per
// spec §4.4's initial-ratio procedure.
func NewManager(types map[string]domain.JobTypeConfig, totalCapacity int64, cfg AdjustmentConfig, onAdjustment func(domain.RatioAdjustment)) (*Manager, error) {
	if len(types) == 0 {
		return nil, &ConfigError{Msg: "at least one job type is required"}
	}

	explicitSum := 0.0
	var implicit []string
	for name, jt := range types {
		if jt.Ratio == nil {
			implicit = append(implicit, name)
			continue
		}
		if jt.Ratio.InitialValue <= 0 || jt.Ratio.InitialValue > 1 {
			return nil, &ConfigError{Msg: fmt.Sprintf("job type %q: ratio.initialValue must be in (0,1]", name)}
		}
		explicitSum += jt.Ratio.InitialValue
	}
	if explicitSum > 1+ratioEpsilon {
		return nil, &ConfigError{Msg: fmt.Sprintf("sum of explicit ratio.initialValue %.6f exceeds 1+epsilon", explicitSum)}
	}

	m := &Manager{
		entries:       make(map[string]*entry, len(types)),
		totalCapacity: totalCapacity,
		cfg:           cfg,
		onAdjustment:  onAdjustment,
		stopCh:        make(chan struct{}),
	}

	if len(implicit) > 0 {
		remainder := 1 - explicitSum
		if remainder < 0 {
			remainder = 0
		}
		share := remainder / float64(len(implicit))
		for name, jt := range types {
			ratio := share
			flexible := true
			if jt.Ratio != nil {
				ratio = jt.Ratio.InitialValue
				flexible = jt.Ratio.Flexible
			}
			m.addEntry(name, jt, ratio, flexible)
		}
	} else {
		normalize := explicitSum > 0 && explicitSum < 1-ratioEpsilon
		for name, jt := range types {
			ratio := jt.Ratio.InitialValue
			if normalize {
				ratio /= explicitSum
			}
			m.addEntry(name, jt, ratio, jt.Ratio.Flexible)
		}
	}

	return m, nil
}

func (m *Manager) addEntry(name string, cfg domain.JobTypeConfig, ratio float64, flexible bool) {
	e := &entry{
		cfg:            cfg,
		ratio:          ratio,
		flexible:       flexible,
		allocatedSlots: int64(math.Floor(ratio * float64(m.totalCapacity))),
	}
	m.entries[name] = e
	m.order = append(m.order, name)
}

func (m *Manager) entryFor(jobType string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[jobType]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jobtype: unknown job type %q", jobType)
	}
	return e, nil
}

// TryAcquire acquires a slot for jobType without blocking. A non-empty
// waiter queue means a fresh TryAcquire does not cut in line even if a
// slot looks free.
func (m *Manager) TryAcquire(jobType string) (bool, error) {
	e, err := m.entryFor(jobType)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.waiters.Len() > 0 {
		return false, nil
	}
	if e.inFlight < e.allocatedSlots {
		e.inFlight++
		return true, nil
	}
	return false, nil
}

// Acquire blocks until a slot for jobType is available or ctx is done.
func (m *Manager) Acquire(ctx context.Context, jobType string) error {
	e, err := m.entryFor(jobType)
	if err != nil {
		return err
	}

	select {
	case <-m.stopCh:
		return errors.New("jobtype: manager stopped")
	default:
	}

	e.mu.Lock()
	if e.waiters.Len() == 0 && e.inFlight < e.allocatedSlots {
		e.inFlight++
		e.mu.Unlock()
		return nil
	}
	w := &jtWaiter{ready: make(chan struct{})}
	elem := e.waiters.PushBack(w)
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		e.mu.Lock()
		if !w.completed {
			w.completed = true
			e.waiters.Remove(elem)
		}
		e.mu.Unlock()
		return ctx.Err()
	case <-w.ready:
		if w.granted {
			return nil
		}
		return errors.New("jobtype: manager stopped")
	}
}

// Release returns jobType's slot. Per the "slot transfer" pattern (spec
// §5.4), if a waiter is queued it is handed the slot directly without ever
// decrementing inFlight; only an empty queue decrements inFlight.
func (m *Manager) Release(jobType string) {
	e, err := m.entryFor(jobType)
	if err != nil {
		return
	}
	e.mu.Lock()
	front := e.waiters.Front()
	if front != nil {
		w := front.Value.(*jtWaiter)
		e.waiters.Remove(front)
		w.completed = true
		w.granted = true
		close(w.ready)
	} else if e.inFlight > 0 {
		e.inFlight--
	}
	e.mu.Unlock()

	if m.releaseCount.Add(1) >= m.cfg.ReleasesPerAdjustment && m.cfg.ReleasesPerAdjustment > 0 {
		m.releaseCount.Store(0)
		m.runAdjustment()
	}
}

// HasCapacity reports whether jobType could be acquired immediately.
func (m *Manager) HasCapacity(jobType string) (bool, error) {
	e, err := m.entryFor(jobType)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiters.Len() == 0 && e.inFlight < e.allocatedSlots, nil
}

// SetTotalCapacity changes the total capacity pool and recomputes every
// job type's allocated slots from its current ratio, waking any waiters
// that a larger allocation now admits.
func (m *Manager) SetTotalCapacity(n int64) {
	m.mu.Lock()
	m.totalCapacity = n
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range names {
		e, err := m.entryFor(name)
		if err != nil {
			continue
		}
		e.mu.Lock()
		e.allocatedSlots = int64(math.Floor(e.ratio * float64(n)))
		e.mu.Unlock()
		m.serveWaiters(e)
	}
}

func (m *Manager) serveWaiters(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		front := e.waiters.Front()
		if front == nil {
			return
		}
		if e.inFlight >= e.allocatedSlots {
			return
		}
		w := front.Value.(*jtWaiter)
		e.waiters.Remove(front)
		e.inFlight++
		w.completed = true
		w.granted = true
		close(w.ready)
	}
}

// AdjustRatios runs one donor/receiver rebalancing cycle immediately and
// returns the adjustment applied (zero value if nothing moved).
func (m *Manager) AdjustRatios() domain.RatioAdjustment {
	return m.runAdjustment()
}

type typeSnapshot struct {
	name     string
	ratio    float64
	flexible bool
	load     float64
}

func (m *Manager) runAdjustment() domain.RatioAdjustment {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	total := m.totalCapacity
	m.mu.RUnlock()

	snaps := make([]typeSnapshot, 0, len(names))
	for _, name := range names {
		e := m.entries[name]
		e.mu.Lock()
		allocated := e.allocatedSlots
		inFlight := e.inFlight
		ratio := e.ratio
		flexible := e.flexible
		e.mu.Unlock()

		denom := allocated
		if denom < 1 {
			denom = 1
		}
		snaps = append(snaps, typeSnapshot{
			name:     name,
			ratio:    ratio,
			flexible: flexible,
			load:     float64(inFlight) / float64(denom),
		})
	}

	var donors, receivers []typeSnapshot
	for _, s := range snaps {
		if !s.flexible {
			continue
		}
		if s.load <= m.cfg.LowLoadThreshold && s.ratio > m.cfg.MinRatio {
			donors = append(donors, s)
		}
		if s.load >= m.cfg.HighLoadThreshold {
			receivers = append(receivers, s)
		}
	}
	if len(donors) == 0 || len(receivers) == 0 {
		return domain.RatioAdjustment{}
	}

	donated := make(map[string]float64, len(donors))
	totalDonated := 0.0
	for _, d := range donors {
		contribution := math.Min(m.cfg.MaxAdjustment, d.ratio-m.cfg.MinRatio)
		if contribution < 0 {
			contribution = 0
		}
		donated[d.name] = contribution
		totalDonated += contribution
	}
	if totalDonated <= 0 {
		return domain.RatioAdjustment{}
	}

	demand := make(map[string]float64, len(receivers))
	totalDemand := 0.0
	for _, r := range receivers {
		d := r.load - 1.0
		if d <= 0 {
			d = 0.01
		}
		demand[r.name] = d
		totalDemand += d
	}

	received := make(map[string]float64, len(receivers))
	for _, r := range receivers {
		received[r.name] = totalDonated * (demand[r.name] / totalDemand)
	}

	newRatios := make(map[string]float64, len(snaps))
	for _, s := range snaps {
		newRatios[s.name] = s.ratio
	}
	for name, d := range donated {
		newRatios[name] -= d
	}
	for name, r := range received {
		newRatios[name] += r
	}

	sum := 0.0
	for _, v := range newRatios {
		sum += v
	}
	diff := 1.0 - sum
	if diff != 0 && len(receivers) > 0 {
		largest := receivers[0].name
		for _, r := range receivers {
			if newRatios[r.name] > newRatios[largest] {
				largest = r.name
			}
		}
		newRatios[largest] += diff
	}

	for name, ratio := range newRatios {
		e := m.entries[name]
		e.mu.Lock()
		e.ratio = ratio
		e.allocatedSlots = int64(math.Floor(ratio * float64(total)))
		e.mu.Unlock()
		m.serveWaiters(e)
	}

	adjustment := domain.RatioAdjustment{Donors: donated, Receivers: received}
	if m.onAdjustment != nil {
		m.onAdjustment(adjustment)
	}
	return adjustment
}

// Start launches the timer-driven adjustment loop (in addition to the
// every-K-releases trigger handled inline by Release). A zero
// AdjustmentIntervalMs disables the timer.
func (m *Manager) Start() {
	if m.cfg.AdjustmentIntervalMs <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Duration(m.cfg.AdjustmentIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runAdjustment()
			}
		}
	}()
}

// Stop drains every job type's waiter queue with a terminal miss and stops
// the adjustment timer.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, name := range names {
		e := m.entries[name]
		e.mu.Lock()
		for {
			front := e.waiters.Front()
			if front == nil {
				break
			}
			w := front.Value.(*jtWaiter)
			e.waiters.Remove(front)
			if !w.completed {
				w.completed = true
				close(w.ready)
			}
		}
		e.mu.Unlock()
	}
}

// Stats returns a snapshot of every job type's current state.
func (m *Manager) Stats() map[string]domain.JobTypeStats {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	out := make(map[string]domain.JobTypeStats, len(names))
	for _, name := range names {
		e := m.entries[name]
		e.mu.Lock()
		out[name] = domain.JobTypeStats{
			InFlight:       e.inFlight,
			AllocatedSlots: e.allocatedSlots,
			CurrentRatio:   e.ratio,
			Flexible:       e.flexible,
			Waiting:        int64(e.waiters.Len()),
		}
		e.mu.Unlock()
	}
	return out
}

// MaxWaitMS looks up the configured maxWaitMS for (jobType, modelID), or
// false if unconfigured.
func (m *Manager) MaxWaitMS(jobType, modelID string) (int64, bool) {
	e, err := m.entryFor(jobType)
	if err != nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.cfg.MaxWaitMS[modelID]
	return ms, ok
}

// Estimate returns the configured resource estimate for jobType.
func (m *Manager) Estimate(jobType string) (tokens, requests int64, memoryKB int64, hasMemory bool) {
	e, err := m.entryFor(jobType)
	if err != nil {
		return 0, 0, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tokens = e.cfg.EstimatedUsedTokens
	requests = e.cfg.EstimatedNumberOfRequests
	if e.cfg.EstimatedUsedMemoryKB != nil {
		return tokens, requests, *e.cfg.EstimatedUsedMemoryKB, true
	}
	return tokens, requests, 0, false
}
