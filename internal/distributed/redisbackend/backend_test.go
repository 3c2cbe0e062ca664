package redisbackend

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"

	"ratectl/internal/domain"
	"ratectl/internal/telemetry"
)

func newTestBackend(t *testing.T, models map[string]domain.ModelConfig, jobTypes map[string]domain.JobTypeConfig) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := New(Config{
		Client:            client,
		Namespace:         "test",
		InstanceTimeoutMs: 15_000,
		Models:            models,
		JobTypes:          jobTypes,
	})
	return b, mr
}

func int64p(n int64) *int64 { return &n }

func TestRegisterRecomputesAllocation(t *testing.T) {
	models := map[string]domain.ModelConfig{
		"gpt": {
			TokensPerMinute:       int64p(1000),
			RequestsPerMinute:     int64p(100),
			MaxConcurrentRequests: int64p(10),
			MinCapacity:           1,
		},
	}
	jobTypes := map[string]domain.JobTypeConfig{
		"default": {EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
	}
	b, _ := newTestBackend(t, models, jobTypes)
	ctx := context.Background()

	alloc, err := b.Register(ctx, "instance-a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	pool, ok := alloc.Pools["gpt"]
	if !ok {
		t.Fatalf("expected a pool for model gpt, got %+v", alloc.Pools)
	}
	if pool.TokensPerMinute != 1000 {
		t.Errorf("single live instance should get the full TPM limit as its share, got %d", pool.TokensPerMinute)
	}
	if pool.TotalSlots <= 0 {
		t.Errorf("expected positive TotalSlots, got %d", pool.TotalSlots)
	}
}

func TestRegisterSplitsAcrossLiveInstances(t *testing.T) {
	models := map[string]domain.ModelConfig{
		"gpt": {
			TokensPerMinute:   int64p(1000),
			RequestsPerMinute: int64p(100),
		},
	}
	jobTypes := map[string]domain.JobTypeConfig{
		"default": {EstimatedUsedTokens: 10, EstimatedNumberOfRequests: 1},
	}
	b, _ := newTestBackend(t, models, jobTypes)
	ctx := context.Background()

	if _, err := b.Register(ctx, "instance-a"); err != nil {
		t.Fatalf("register a: %v", err)
	}
	alloc, err := b.Register(ctx, "instance-b")
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	pool := alloc.Pools["gpt"]
	if pool.TokensPerMinute != 500 {
		t.Errorf("two live instances should fair-share the 1000 TPM limit, got %d", pool.TokensPerMinute)
	}
}

func TestUnregisterRemovesFromRegistry(t *testing.T) {
	models := map[string]domain.ModelConfig{"gpt": {TokensPerMinute: int64p(1000)}}
	jobTypes := map[string]domain.JobTypeConfig{"default": {EstimatedUsedTokens: 10, EstimatedNumberOfRequests: 1}}
	b, mr := newTestBackend(t, models, jobTypes)
	ctx := context.Background()

	if _, err := b.Register(ctx, "instance-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Unregister(ctx, "instance-a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if mr.Exists("test:instances") {
		fields, _ := mr.HKeys("test:instances")
		if len(fields) != 0 {
			t.Errorf("expected registry to be empty after unregister, got %v", fields)
		}
	}
}

func TestStaleInstanceEvictedOnSweep(t *testing.T) {
	models := map[string]domain.ModelConfig{"gpt": {TokensPerMinute: int64p(1000)}}
	jobTypes := map[string]domain.JobTypeConfig{"default": {EstimatedUsedTokens: 10, EstimatedNumberOfRequests: 1}}
	b, mr := newTestBackend(t, models, jobTypes)
	b.instanceTimeoutMs = 1
	ctx := context.Background()

	if _, err := b.Register(ctx, "stale-instance"); err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	alloc, err := b.Register(ctx, "fresh-instance")
	if err != nil {
		t.Fatalf("register fresh: %v", err)
	}
	if alloc.Pools["gpt"].TokensPerMinute != 1000 {
		t.Errorf("stale instance should have been swept, expected full share, got %d", alloc.Pools["gpt"].TokensPerMinute)
	}
	fields, _ := mr.HKeys("test:instances")
	for _, f := range fields {
		if f == "stale-instance" {
			t.Errorf("stale-instance should have been evicted from the registry")
		}
	}
}

func TestReportUsageKeepsEvenSplitAsFloor(t *testing.T) {
	models := map[string]domain.ModelConfig{"gpt": {TokensPerMinute: int64p(1000)}}
	jobTypes := map[string]domain.JobTypeConfig{"default": {EstimatedUsedTokens: 10, EstimatedNumberOfRequests: 1}}
	b, _ := newTestBackend(t, models, jobTypes)
	ctx := context.Background()

	if err := b.ReportUsage(ctx, "gpt", 400, 1); err != nil {
		t.Fatalf("ReportUsage: %v", err)
	}
	alloc, err := b.Register(ctx, "instance-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if alloc.Pools["gpt"].TokensPerMinute != 1000 {
		t.Errorf("expected share max(floor(1000/1), floor((1000-400)/1)) = 1000 tokens, got %d", alloc.Pools["gpt"].TokensPerMinute)
	}
}

func TestRecomputeReportsLiveInstancesAndLatency(t *testing.T) {
	models := map[string]domain.ModelConfig{"gpt": {TokensPerMinute: int64p(1000)}}
	jobTypes := map[string]domain.JobTypeConfig{"default": {EstimatedUsedTokens: 10, EstimatedNumberOfRequests: 1}}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	b := New(Config{
		Client:            client,
		Namespace:         "test",
		InstanceTimeoutMs: 15_000,
		Models:            models,
		JobTypes:          jobTypes,
		Metrics:           metrics,
	})
	ctx := context.Background()

	if _, err := b.Register(ctx, "instance-a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := b.Register(ctx, "instance-b"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := testutil.ToFloat64(metrics.LiveInstances); got != 2 {
		t.Errorf("LiveInstances = %v, want 2", got)
	}

	var m dto.Metric
	if err := metrics.PoolRecomputeLatency.WithLabelValues("gpt").(prometheus.Histogram).Write(&m); err != nil {
		t.Fatalf("write histogram metric: %v", err)
	}
	if count := m.GetHistogram().GetSampleCount(); count != 2 {
		t.Errorf("PoolRecomputeLatency sample count = %d, want 2 observations", count)
	}
}

func TestSubscribeReceivesAllocationUpdates(t *testing.T) {
	models := map[string]domain.ModelConfig{"gpt": {TokensPerMinute: int64p(1000)}}
	jobTypes := map[string]domain.JobTypeConfig{"default": {EstimatedUsedTokens: 10, EstimatedNumberOfRequests: 1}}
	b, _ := newTestBackend(t, models, jobTypes)
	ctx := context.Background()

	received := make(chan domain.AllocationInfo, 1)
	unsubscribe, err := b.Subscribe(ctx, "instance-a", func(a domain.AllocationInfo) {
		select {
		case received <- a:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if _, err := b.Register(ctx, "instance-a"); err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case alloc := <-received:
		if _, ok := alloc.Pools["gpt"]; !ok {
			t.Errorf("expected allocation update to include model gpt, got %+v", alloc.Pools)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for allocation update")
	}
}
