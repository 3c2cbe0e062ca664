// Package orchestrator ties the per-model reservation protocol and the
// job-type slot manager together into the public multi-model admission
// surface: escalation-order model selection, job lifecycle, delegation
// across models, and cost accounting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ratectl/internal/availability"
	"ratectl/internal/distributed"
	"ratectl/internal/domain"
	"ratectl/internal/jobtype"
	"ratectl/internal/modellimiter"
	"ratectl/internal/telemetry"
)

// ErrAllModelsExhausted is returned when every candidate in the escalation
// order either failed to reserve within its maxWaitMS or was already tried
// via delegation.
var ErrAllModelsExhausted = errors.New("orchestrator: all models rejected by backend or exhausted")

// ErrStopped is returned by QueueJob once Stop has been called.
var ErrStopped = errors.New("orchestrator: stopped")

// ResolveFunc and RejectFunc are the one-shot control-flow callbacks handed
// to a job body (spec §6, §9/R1). A second call to either is ignored and
// logged.
type ResolveFunc func(usage domain.UsageReport)
type RejectFunc func(usage domain.UsageReport, delegate bool)

// JobContext is passed to the job body: the selected model plus the
// caller's args shallow-merged in.
type JobContext struct {
	JobID   string
	ModelID string
	Args    map[string]any
}

// BodyResult is the object a job body returns alongside calling resolve or
// reject. Reconciliation trusts these numbers, not the usage passed to
// resolve/reject, which exists only to mirror the spec's dual-channel
// control surface.
type BodyResult struct {
	Usage        domain.UsageReport
	RequestCount int64
	Result       any
}

// JobFunc is the caller-supplied unit of work for one model attempt.
type JobFunc func(ctx context.Context, jctx JobContext, resolve ResolveFunc, reject RejectFunc) (BodyResult, error)

// UsageEntry is one model's contribution to a job's total usage, carried
// through any delegation chain.
type UsageEntry struct {
	ModelID string
	Usage   domain.UsageReport
	Cost    float64
}

// JobCompletion is returned by QueueJob on success and also passed to the
// optional OnComplete callback.
type JobCompletion struct {
	JobID     string
	ModelUsed string
	Result    any
	Usage     []UsageEntry
	TotalCost float64
}

// JobOptions describes one unit of work submitted to QueueJob.
type JobOptions struct {
	JobID      string
	JobType    string
	Args       map[string]any
	Job        JobFunc
	OnComplete func(JobCompletion)
	OnError    func(err error, jctx JobContext)
}

// Config is the full construction surface (spec §6's configuration table).
type Config struct {
	Models                 map[string]domain.ModelConfig
	EscalationOrder         []string
	JobTypes                map[string]domain.JobTypeConfig
	TotalJobSlots           int64
	RatioAdjustment         jobtype.AdjustmentConfig
	HeartbeatIntervalMs     int64
	Backend                 distributed.Backend
	OnAvailableSlotsChange  availability.Callback
	OnOverage               func(modelID string, dimension domain.Dimension, overshoot int64)
	Logger                  *slog.Logger
	Label                   string
	Metrics                 *telemetry.Metrics
}

// ConfigError is raised synchronously from New; it is never retried.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "orchestrator: " + e.Msg }

// control implements the one-shot resolve/reject guard (R1) for a single
// job-body invocation.
type control struct {
	mu       sync.Mutex
	called   bool
	rejected bool
	delegate bool
	log      *slog.Logger
}

func (c *control) resolve(u domain.UsageReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.called {
		c.log.Warn("resolve called more than once, ignoring")
		return
	}
	c.called = true
}

func (c *control) reject(u domain.UsageReport, delegate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.called {
		c.log.Warn("reject called more than once, ignoring")
		return
	}
	c.called = true
	c.rejected = true
	c.delegate = delegate
}

func (c *control) snapshot() (called, rejected, delegate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.called, c.rejected, c.delegate
}

// MultiModelLimiter is the orchestrator: the single object an application
// holds to submit jobs across a pool of rate-limited models.
type MultiModelLimiter struct {
	models          map[string]domain.ModelConfig
	escalationOrder []string
	limiters        map[string]*modellimiter.Limiter
	trackers        map[string]*availability.Tracker
	jobTypes        *jobtype.Manager

	backend             distributed.Backend
	instanceID          string
	heartbeatIntervalMs int64

	onAvailable availability.Callback
	onOverage   func(modelID string, dimension domain.Dimension, overshoot int64)
	log         *slog.Logger
	metrics     *telemetry.Metrics

	mu          sync.Mutex
	lastPools   map[string]domain.PoolAllocation
	unsubscribe func()
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// New validates cfg and constructs a MultiModelLimiter.
func New(cfg Config) (*MultiModelLimiter, error) {
	if len(cfg.Models) == 0 {
		return nil, &ConfigError{Msg: "at least one model is required"}
	}
	if len(cfg.Models) > 1 && len(cfg.EscalationOrder) == 0 {
		return nil, &ConfigError{Msg: "escalationOrder is required when more than one model is configured"}
	}
	for _, id := range cfg.EscalationOrder {
		if _, ok := cfg.Models[id]; !ok {
			return nil, &ConfigError{Msg: fmt.Sprintf("escalationOrder references unknown model %q", id)}
		}
	}
	escalationOrder := cfg.EscalationOrder
	if len(escalationOrder) == 0 {
		for id := range cfg.Models {
			escalationOrder = append(escalationOrder, id)
		}
	}

	memoryConfigured := false
	for _, mc := range cfg.Models {
		if mc.MaxCapacityKB != nil {
			memoryConfigured = true
		}
	}
	if memoryConfigured {
		for name, jt := range cfg.JobTypes {
			if jt.EstimatedUsedMemoryKB == nil {
				return nil, &ConfigError{Msg: fmt.Sprintf("job type %q: estimatedUsedMemoryKB is required because a model configures a memory limit", name)}
			}
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Label != "" {
		logger = logger.With("component", cfg.Label)
	}

	o := &MultiModelLimiter{
		models:              cfg.Models,
		escalationOrder:     escalationOrder,
		limiters:            make(map[string]*modellimiter.Limiter, len(cfg.Models)),
		trackers:            make(map[string]*availability.Tracker, len(cfg.Models)),
		backend:             cfg.Backend,
		instanceID:          uuid.NewString(),
		heartbeatIntervalMs: cfg.HeartbeatIntervalMs,
		onAvailable:         cfg.OnAvailableSlotsChange,
		onOverage:           cfg.OnOverage,
		log:                 logger,
		metrics:             cfg.Metrics,
		lastPools:           make(map[string]domain.PoolAllocation),
		stopCh:              make(chan struct{}),
	}
	if o.backend == nil {
		o.backend = distributed.NullBackend{}
	}
	if o.heartbeatIntervalMs <= 0 {
		o.heartbeatIntervalMs = 5_000
	}

	for modelID, mc := range cfg.Models {
		modelID := modelID
		lc := modellimiter.Config{
			ModelID:               modelID,
			TokensPerMinute:       mc.TokensPerMinute,
			TokensPerDay:          mc.TokensPerDay,
			RequestsPerMinute:     mc.RequestsPerMinute,
			RequestsPerDay:        mc.RequestsPerDay,
			MaxConcurrentRequests: mc.MaxConcurrentRequests,
			MaxCapacityKB:         mc.MaxCapacityKB,
			OnOverage: func(dim domain.Dimension, overshoot int64) {
				if o.onOverage != nil {
					o.onOverage(modelID, dim, overshoot)
				}
				if o.metrics != nil {
					o.metrics.CounterOverage.WithLabelValues(modelID, string(dim)).Add(float64(overshoot))
				}
				o.log.Warn("counter overage", "model", modelID, "dimension", string(dim), "overshoot", overshoot)
			},
			OnMiss: func(dim domain.Dimension) {
				if o.metrics != nil {
					o.metrics.ReservationMisses.WithLabelValues(modelID, string(dim)).Inc()
				}
			},
		}
		o.limiters[modelID] = modellimiter.New(lc)
		o.trackers[modelID] = availability.New(o.onAvailable)
	}

	mgr, err := jobtype.NewManager(cfg.JobTypes, cfg.TotalJobSlots, cfg.RatioAdjustment, func(adj domain.RatioAdjustment) {
		o.notifyAdjustment(adj)
	})
	if err != nil {
		return nil, err
	}
	o.jobTypes = mgr

	return o, nil
}

// Start registers with the distributed backend (if configured), subscribes
// to allocation updates, begins the heartbeat loop, and starts the job-type
// manager's adjustment loop.
func (o *MultiModelLimiter) Start(ctx context.Context) error {
	o.jobTypes.Start()

	alloc, err := o.backend.Register(ctx, o.instanceID)
	if err != nil {
		return fmt.Errorf("orchestrator: register with backend: %w", err)
	}
	o.applyAllocation(alloc)

	unsubscribe, err := o.backend.Subscribe(ctx, o.instanceID, func(update domain.AllocationInfo) {
		o.applyAllocation(update)
	})
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe to backend: %w", err)
	}
	o.mu.Lock()
	o.unsubscribe = unsubscribe
	o.mu.Unlock()

	go o.heartbeatLoop(ctx)
	return nil
}

func (o *MultiModelLimiter) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(o.heartbeatIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			alloc, err := o.backend.Register(ctx, o.instanceID)
			if err != nil {
				// Transient store read failure: keep the previous allocation
				// snapshot, don't flap.
				o.log.Warn("heartbeat register failed, retaining previous allocation", "error", err)
				continue
			}
			o.applyAllocation(alloc)
		}
	}
}

// Stop drains all waiters, stops the job-type manager, and unregisters from
// the distributed backend.
func (o *MultiModelLimiter) Stop(ctx context.Context) {
	o.stopOnce.Do(func() { close(o.stopCh) })

	o.jobTypes.Stop()
	for _, l := range o.limiters {
		l.Stop()
	}

	o.mu.Lock()
	unsubscribe := o.unsubscribe
	o.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if err := o.backend.Unregister(ctx, o.instanceID); err != nil {
		o.log.Warn("unregister from backend failed", "error", err)
	}
}

// SetDistributedAvailability applies a pool allocation pushed out of band
// (e.g. directly by a test or a backend that does not use Subscribe).
func (o *MultiModelLimiter) SetDistributedAvailability(update domain.AllocationInfo) {
	o.applyAllocation(update)
}

// applyAllocation pushes each model's pool onto its limiter, idempotently
// (D2): a pool identical to the last one applied is skipped.
func (o *MultiModelLimiter) applyAllocation(update domain.AllocationInfo) {
	for modelID, pool := range update.Pools {
		limiter, ok := o.limiters[modelID]
		if !ok {
			continue
		}

		o.mu.Lock()
		prev, seen := o.lastPools[modelID]
		unchanged := seen && prev == pool
		o.lastPools[modelID] = pool
		o.mu.Unlock()
		if unchanged {
			continue
		}

		slots := pool.TotalSlots
		if mc, ok := o.models[modelID]; ok {
			if mc.MinCapacity > 0 && slots < mc.MinCapacity {
				slots = mc.MinCapacity
			}
			if mc.MaxCapacity != nil && slots > *mc.MaxCapacity {
				slots = *mc.MaxCapacity
			}
		}

		tpm, rpm, tpd, rpd := pool.TokensPerMinute, pool.RequestsPerMinute, pool.TokensPerDay, pool.RequestsPerDay
		limiter.SetLimits(&tpm, &rpm, &tpd, &rpd, &slots)
		o.notifyModel(modelID, domain.ReasonDistributed, nil)
	}
}

func (o *MultiModelLimiter) notifyAdjustment(adj domain.RatioAdjustment) {
	if o.metrics != nil {
		o.metrics.RatioAdjustments.Inc()
		for jobType, stats := range o.jobTypes.Stats() {
			o.metrics.JobTypeRatio.WithLabelValues(jobType).Set(stats.CurrentRatio)
			o.metrics.JobTypeAllocatedSlots.WithLabelValues(jobType).Set(float64(stats.AllocatedSlots))
			o.metrics.JobTypeInFlight.WithLabelValues(jobType).Set(float64(stats.InFlight))
			o.metrics.JobTypeQueueDepth.WithLabelValues(jobType).Set(float64(stats.Waiting))
		}
	}
	for modelID := range o.limiters {
		o.notifyModel(modelID, domain.ReasonAdjustment, &adj)
	}
}

// notifyModel recomputes and diffs the availability snapshot for modelID
// using the first job type's resource estimate as the representative
// workload shape for "how many more jobs of this size fit" (spec §4.7
// ties slots to "estimatedPerJob" without resolving which job type applies
// across a multi-job-type instance; this orchestrator picks the first
// configured job type in map iteration order as that representative).
func (o *MultiModelLimiter) notifyModel(modelID string, reason domain.AvailabilityReason, adj *domain.RatioAdjustment) {
	limiter, ok := o.limiters[modelID]
	if !ok {
		return
	}
	tracker := o.trackers[modelID]

	if o.metrics != nil {
		o.metrics.ModelQueueDepth.WithLabelValues(modelID).Set(float64(limiter.Waiting()))
	}

	tokens, requests, memoryKB, hasMemory := o.representativeEstimate()
	tpm, tpd, rpm, rpd, concurrency, memory := limiter.Availability()
	if !hasMemory {
		memory = nil
	}
	snap := availability.Derive(tokens, requests, memoryKB, tpm, tpd, rpm, rpd, concurrency, memory)
	tracker.Notify(snap, reason, modelID, adj)
}

func (o *MultiModelLimiter) representativeEstimate() (tokens, requests, memoryKB int64, hasMemory bool) {
	for name := range o.jobTypes.Stats() {
		return o.jobTypes.Estimate(name)
	}
	return 0, 0, 0, false
}

// HasCapacityForModel reports whether modelID currently admits est's-shaped
// work for jobType without blocking.
func (o *MultiModelLimiter) HasCapacityForModel(jobType, modelID string) bool {
	limiter, ok := o.limiters[modelID]
	if !ok {
		return false
	}
	tokens, requests, memoryKB, _ := o.jobTypes.Estimate(jobType)
	return limiter.HasHeadroom(modellimiter.Estimate{Tokens: tokens, Requests: requests, MemoryKB: memoryKB})
}

// HasCapacity reports whether at least one job type has a free slot and at
// least one model currently has headroom for some configured job type.
func (o *MultiModelLimiter) HasCapacity() bool {
	for jobType, stats := range o.jobTypes.Stats() {
		if stats.Waiting > 0 || stats.InFlight >= stats.AllocatedSlots {
			continue
		}
		for _, modelID := range o.escalationOrder {
			if o.HasCapacityForModel(jobType, modelID) {
				return true
			}
		}
	}
	return false
}

// GetAvailableModel returns the first model in escalation order, not in
// excluded, with current headroom for jobType; "" if none qualify.
func (o *MultiModelLimiter) GetAvailableModel(jobType string, excluded map[string]bool) string {
	for _, modelID := range o.escalationOrder {
		if excluded[modelID] {
			continue
		}
		if o.HasCapacityForModel(jobType, modelID) {
			return modelID
		}
	}
	return ""
}

// Stats reports job-type state, mirroring jobtype.Manager.Stats for callers
// that only hold the orchestrator.
func (o *MultiModelLimiter) Stats() map[string]domain.JobTypeStats {
	return o.jobTypes.Stats()
}

func (o *MultiModelLimiter) maxWaitFor(jobType, modelID string) time.Duration {
	if ms, ok := o.jobTypes.MaxWaitMS(jobType, modelID); ok {
		return time.Duration(ms) * time.Millisecond
	}
	now := time.Now().UnixMilli()
	untilBoundary := time.Duration((60_000-(now%60_000))) * time.Millisecond
	d := untilBoundary + 5*time.Second
	if d < 5*time.Second {
		d = 5 * time.Second
	}
	if d > 65*time.Second {
		d = 65 * time.Second
	}
	return d
}

// selectModel iterates the escalation order, skipping tried, asking each
// candidate's limiter to wait up to that job type's maxWaitMS.
func (o *MultiModelLimiter) selectModel(ctx context.Context, jobType string, tried map[string]bool) (string, domain.ReservationContext, error) {
	tokens, requests, memoryKB, _ := o.jobTypes.Estimate(jobType)
	est := modellimiter.Estimate{Tokens: tokens, Requests: requests, MemoryKB: memoryKB}

	for _, modelID := range o.escalationOrder {
		if tried[modelID] {
			continue
		}
		limiter := o.limiters[modelID]
		maxWait := o.maxWaitFor(jobType, modelID)

		waitStart := time.Now()
		ok, rc := limiter.WaitForReservation(ctx, est, maxWait)
		if o.metrics != nil {
			o.metrics.ReservationWaitTime.WithLabelValues(modelID).Observe(time.Since(waitStart).Seconds())
		}

		if ok {
			if o.metrics != nil {
				o.metrics.ReservationAttempts.WithLabelValues(modelID, jobType, "hit").Inc()
			}
			return modelID, rc, nil
		}
		if o.metrics != nil {
			o.metrics.ReservationAttempts.WithLabelValues(modelID, jobType, "miss").Inc()
		}
		tried[modelID] = true
	}
	return "", domain.ReservationContext{}, ErrAllModelsExhausted
}

// QueueJob runs the full job lifecycle (spec §4.5): acquire a job-type
// slot, select and reserve a model, invoke the job body, and reconcile
// (with delegation across models on reject(delegate:true)).
func (o *MultiModelLimiter) QueueJob(ctx context.Context, opts JobOptions) (JobCompletion, error) {
	select {
	case <-o.stopCh:
		return JobCompletion{}, ErrStopped
	default:
	}

	if err := o.jobTypes.Acquire(ctx, opts.JobType); err != nil {
		o.recordFailure(opts.JobType, "acquire_failed")
		return JobCompletion{}, fmt.Errorf("orchestrator: acquire job-type slot: %w", err)
	}

	completion, err := o.runJob(ctx, opts)
	o.jobTypes.Release(opts.JobType)

	jctx := JobContext{JobID: opts.JobID, Args: opts.Args}
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err, jctx)
		}
		return JobCompletion{}, err
	}
	if opts.OnComplete != nil {
		opts.OnComplete(completion)
	}
	return completion, nil
}

func (o *MultiModelLimiter) runJob(ctx context.Context, opts JobOptions) (JobCompletion, error) {
	tried := make(map[string]bool)
	var usageList []UsageEntry
	var totalCost float64
	start := time.Now()
	var prevModel string

	for {
		modelID, rc, err := o.selectModel(ctx, opts.JobType, tried)
		if err != nil {
			o.recordFailure(opts.JobType, "exhausted")
			return JobCompletion{}, err
		}
		if prevModel != "" && o.metrics != nil {
			o.metrics.JobsDelegated.WithLabelValues(prevModel, modelID).Inc()
		}
		prevModel = modelID
		limiter := o.limiters[modelID]

		jctx := JobContext{JobID: opts.JobID, ModelID: modelID, Args: mergeArgs(opts.Args, modelID)}
		ctrl := &control{log: o.log}

		body, bodyErr := opts.Job(ctx, jctx,
			func(u domain.UsageReport) { ctrl.resolve(u) },
			func(u domain.UsageReport, delegate bool) { ctrl.reject(u, delegate) },
		)

		called, rejected, delegate := ctrl.snapshot()

		if bodyErr != nil {
			limiter.Release(rc)
			o.notifyModel(modelID, domain.ReasonConcurrentRequest, nil)
			o.recordFailure(opts.JobType, "body_error")
			return JobCompletion{}, bodyErr
		}

		if called && rejected && delegate {
			usage := body.Usage
			usage.ModelID = modelID
			reqCount := body.RequestCount
			if reqCount == 0 {
				reqCount = 1
			}
			cost := o.models[modelID].Pricing.Cost(usage)
			usageList = append(usageList, UsageEntry{ModelID: modelID, Usage: usage, Cost: cost})
			totalCost += cost

			actualTokens := usage.InputTokens + usage.CachedTokens + usage.OutputTokens
			limiter.Commit(actualTokens, reqCount, rc)
			o.reportUsage(ctx, modelID, actualTokens, reqCount)
			o.notifyModel(modelID, domain.ReasonConcurrentRequest, nil)
			if o.metrics != nil {
				o.metrics.JobCostUSD.WithLabelValues(modelID).Add(cost)
			}

			tried[modelID] = true
			continue
		}

		if called && rejected && !delegate {
			limiter.Release(rc)
			o.notifyModel(modelID, domain.ReasonConcurrentRequest, nil)
			o.recordFailure(opts.JobType, "rejected_no_delegation")
			return JobCompletion{}, errors.New("orchestrator: job rejected without delegation")
		}

		if !called {
			limiter.Release(rc)
			o.notifyModel(modelID, domain.ReasonConcurrentRequest, nil)
			o.log.Warn("job body returned without calling resolve or reject", "model", modelID, "jobType", opts.JobType)
			o.recordFailure(opts.JobType, "no_control_call")
			return JobCompletion{}, errors.New("orchestrator: job body did not call resolve or reject")
		}

		// Resolved.
		usage := body.Usage
		usage.ModelID = modelID
		reqCount := body.RequestCount
		if reqCount == 0 {
			reqCount = 1
		}
		cost := o.models[modelID].Pricing.Cost(usage)
		usageList = append(usageList, UsageEntry{ModelID: modelID, Usage: usage, Cost: cost})
		totalCost += cost

		actualTokens := usage.InputTokens + usage.CachedTokens + usage.OutputTokens
		limiter.Commit(actualTokens, reqCount, rc)
		o.reportUsage(ctx, modelID, actualTokens, reqCount)
		o.notifyModel(modelID, domain.ReasonConcurrentRequest, nil)

		if o.metrics != nil {
			o.metrics.JobCostUSD.WithLabelValues(modelID).Add(cost)
			o.metrics.JobsCompleted.WithLabelValues(opts.JobType, modelID).Inc()
			o.metrics.JobDuration.WithLabelValues(opts.JobType).Observe(time.Since(start).Seconds())
		}

		return JobCompletion{
			JobID:     opts.JobID,
			ModelUsed: modelID,
			Result:    body.Result,
			Usage:     usageList,
			TotalCost: totalCost,
		}, nil
	}
}

// reportUsage feeds committed usage into the distributed backend, if it
// implements distributed.UsageReporter, so the next recomputation sweep
// (§4.6) accounts for this instance's contribution to the global window.
func (o *MultiModelLimiter) reportUsage(ctx context.Context, modelID string, tokens, requests int64) {
	ur, ok := o.backend.(distributed.UsageReporter)
	if !ok {
		return
	}
	if err := ur.ReportUsage(ctx, modelID, tokens, requests); err != nil {
		o.log.Warn("report usage to distributed backend failed", "model", modelID, "error", err)
	}
}

func (o *MultiModelLimiter) recordFailure(jobType, reason string) {
	if o.metrics != nil {
		o.metrics.JobsFailed.WithLabelValues(jobType, reason).Inc()
	}
}

func mergeArgs(args map[string]any, modelID string) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out["modelId"] = modelID
	return out
}
