// Package domain holds the plain data types shared across the rate limiter's
// components: usage reports, model and job-type configuration, reservation
// tokens, and availability snapshots.
package domain

import "time"

// UsageReport is produced by a job body, either via resolve/reject or as
// part of the object the body returns. It describes what a single model
// invocation actually consumed.
type UsageReport struct {
	ModelID      string
	InputTokens  int64
	CachedTokens int64
	OutputTokens int64
	RequestCount int64
}

// Pricing is denominated per million tokens.
type Pricing struct {
	Input  float64
	Cached float64
	Output float64
}

// Cost computes the dollar cost of a usage report under this pricing.
func (p Pricing) Cost(u UsageReport) float64 {
	return (float64(u.InputTokens)*p.Input +
		float64(u.CachedTokens)*p.Cached +
		float64(u.OutputTokens)*p.Output) / 1_000_000
}

// ModelConfig is immutable after construction. Limits are pointers so that
// "unconfigured" is distinguishable from "configured as zero".
type ModelConfig struct {
	TokensPerMinute       *int64
	TokensPerDay          *int64
	RequestsPerMinute     *int64
	RequestsPerDay        *int64
	MaxConcurrentRequests *int64
	MaxCapacityKB         *int64 // memory ceiling
	MinCapacity           int64  // floor slots, applied after distributed pool scaling
	MaxCapacity           *int64 // ceiling slots, applied after distributed pool scaling; nil = unbounded
	Pricing               Pricing
}

// RatioConfig seeds a job type's initial share of total capacity.
type RatioConfig struct {
	InitialValue float64 // (0, 1]
	Flexible     bool
}

// JobTypeConfig is immutable after construction.
type JobTypeConfig struct {
	EstimatedUsedTokens      int64
	EstimatedNumberOfRequests int64
	EstimatedUsedMemoryKB    *int64
	Ratio                    *RatioConfig
	MaxWaitMS                map[string]int64 // modelID -> ms
}

// JobTypeStats is a read-only snapshot of a job type's mutable state.
type JobTypeStats struct {
	InFlight       int64
	AllocatedSlots int64
	CurrentRatio   float64
	Flexible       bool
	Waiting        int64
}

// PoolAllocation is this instance's share of a model's global capacity, as
// computed by the distributed backend.
type PoolAllocation struct {
	TotalSlots        int64
	TokensPerMinute   int64
	RequestsPerMinute int64
	TokensPerDay      int64
	RequestsPerDay    int64
}

// AllocationInfo is the distributed contract's registration/subscription
// payload: per-model pools plus any dynamically pushed limits.
type AllocationInfo struct {
	Pools         map[string]PoolAllocation
	DynamicLimits map[string]int64
}

// InstanceRegistration is the shared registry record for one limiter
// instance.
type InstanceRegistration struct {
	InstanceID      string
	LastHeartbeat   time.Time
	InFlightByModel map[string]int64
}

// WindowSnapshot names the window IDs a reservation debited, so releases
// and reconciliation can decide "same window" vs. "window rolled, no-op"
// deterministically.
type WindowSnapshot struct {
	TPMWindowID int64
	RPMWindowID int64
	TPDWindowID int64
	RPDWindowID int64
}

// Dimension names one of the six resources a per-model limiter governs.
type Dimension string

const (
	DimensionTokensMinute      Dimension = "tokensMinute"
	DimensionTokensDay         Dimension = "tokensDay"
	DimensionRequestsMinute    Dimension = "requestsMinute"
	DimensionRequestsDay       Dimension = "requestsDay"
	DimensionConcurrentRequest Dimension = "concurrentRequests"
	DimensionMemory            Dimension = "memory"
)

// ReservationContext is the opaque token returned when a per-model limiter
// atomically reserves capacity. It is exclusively owned by the in-flight
// job body until released or committed.
type ReservationContext struct {
	ModelID      string
	Snapshot     WindowSnapshot
	TokenWeight  int64
	RequestWeight int64
	MemoryWeight int64
}

// ResourceAvailability describes one configured dimension's current
// headroom. A nil *ResourceAvailability means the dimension is not
// configured.
type ResourceAvailability struct {
	Available int64
	Limit     int64
}

// AvailabilitySnapshot is the derived "how much more work can be admitted"
// view, per spec §4.7 / §A1. Slots is meaningless when Unbounded is true.
type AvailabilitySnapshot struct {
	Slots              int64
	Unbounded          bool
	TokensPerMinute    *ResourceAvailability
	TokensPerDay       *ResourceAvailability
	RequestsPerMinute  *ResourceAvailability
	RequestsPerDay     *ResourceAvailability
	ConcurrentRequests *ResourceAvailability
	MemoryKB           *ResourceAvailability
}

// Equal reports whether two snapshots carry the same observable values, used
// by the availability tracker to suppress no-op callbacks.
func (a AvailabilitySnapshot) Equal(b AvailabilitySnapshot) bool {
	if a.Slots != b.Slots || a.Unbounded != b.Unbounded {
		return false
	}
	return resourceEqual(a.TokensPerMinute, b.TokensPerMinute) &&
		resourceEqual(a.TokensPerDay, b.TokensPerDay) &&
		resourceEqual(a.RequestsPerMinute, b.RequestsPerMinute) &&
		resourceEqual(a.RequestsPerDay, b.RequestsPerDay) &&
		resourceEqual(a.ConcurrentRequests, b.ConcurrentRequests) &&
		resourceEqual(a.MemoryKB, b.MemoryKB)
}

func resourceEqual(a, b *ResourceAvailability) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AvailabilityReason enumerates the events that can trigger a recomputation
// of the availability snapshot (spec §4.7 / §6).
type AvailabilityReason string

const (
	ReasonTokensMinute      AvailabilityReason = "tokensMinute"
	ReasonTokensDay         AvailabilityReason = "tokensDay"
	ReasonRequestsMinute    AvailabilityReason = "requestsMinute"
	ReasonRequestsDay       AvailabilityReason = "requestsDay"
	ReasonConcurrentRequest AvailabilityReason = "concurrentRequests"
	ReasonMemory            AvailabilityReason = "memory"
	ReasonDistributed       AvailabilityReason = "distributed"
	ReasonAdjustment        AvailabilityReason = "adjustment"
)

// RatioAdjustment describes one dynamic-ratio-adjustment cycle, passed
// through verbatim to the availability callback when Reason is
// ReasonAdjustment.
type RatioAdjustment struct {
	Donors    map[string]float64 // jobType -> ratio given up
	Receivers map[string]float64 // jobType -> ratio gained
}
