// Package main is a demo entry point for ratectl: it wires one
// orchestrator.MultiModelLimiter from a TOML config, optionally attaches
// the Redis distributed backend, fires a handful of synthetic jobs, and
// prints availability-change events. It is not a service (§1 places the
// HTTP/RPC wrapper out of core scope); it mirrors the shape of the
// teacher's cmd/modelgate/main.go bootstrap without the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ratectl/internal/config"
	"ratectl/internal/distributed"
	"ratectl/internal/distributed/redisbackend"
	"ratectl/internal/domain"
	"ratectl/internal/orchestrator"
	"ratectl/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	metricsAddr := flag.String("metrics-addr", ":9090", "Address to serve Prometheus /metrics on")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.LoadOrDefault(*configPath)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting ratectl", "label", cfg.Label, "models", len(cfg.Models))

	metrics := telemetry.NewMetrics(nil)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		slog.Info("serving metrics", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	var backend distributed.Backend
	if cfg.Backend.Kind == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Backend.RedisAddr,
			Password: cfg.Backend.RedisPassword,
			DB:       cfg.Backend.RedisDB,
		})
		backend = redisbackend.New(redisbackend.Config{
			Client:            client,
			Namespace:         cfg.Label,
			InstanceTimeoutMs: cfg.Backend.InstanceTimeoutMs,
			Models:            cfg.ToDomainModels(),
			JobTypes:          cfg.ToDomainJobTypes(),
			Logger:            logger,
			Metrics:           metrics,
		})
		slog.Info("distributed backend enabled", "kind", "redis", "addr", cfg.Backend.RedisAddr)
	}

	limiter, err := orchestrator.New(orchestrator.Config{
		Models:              cfg.ToDomainModels(),
		EscalationOrder:     cfg.EscalationOrder,
		JobTypes:            cfg.ToDomainJobTypes(),
		TotalJobSlots:       totalJobSlots(cfg),
		RatioAdjustment:     cfg.ToAdjustmentConfig(),
		HeartbeatIntervalMs: cfg.Backend.HeartbeatIntervalMs,
		Backend:             backend,
		OnAvailableSlotsChange: func(snap domain.AvailabilitySnapshot, reason domain.AvailabilityReason, modelID string, adj *domain.RatioAdjustment) {
			slog.Info("availability changed", "model", modelID, "reason", string(reason), "slots", snap.Slots, "unbounded", snap.Unbounded)
		},
		OnOverage: func(modelID string, dim domain.Dimension, overshoot int64) {
			slog.Warn("counter overage", "model", modelID, "dimension", string(dim), "overshoot", overshoot)
		},
		Logger:  logger,
		Label:   cfg.Label,
		Metrics: metrics,
	})
	if err != nil {
		slog.Error("failed to construct orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := limiter.Start(ctx); err != nil {
		slog.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		limiter.Stop(context.Background())
		cancel()
	}()

	go runDemoJobs(ctx, limiter, cfg)

	<-ctx.Done()
	slog.Info("ratectl stopped")
}

func totalJobSlots(cfg *config.Config) int64 {
	var total int64
	for _, mc := range cfg.Models {
		total += mc.MaxConcurrentRequests
	}
	if total == 0 {
		total = 10
	}
	return total
}

// runDemoJobs submits a handful of synthetic jobs against the first
// configured job type so a fresh checkout has something to observe; it is
// not part of the core and exists purely to exercise the orchestrator from
// this demo binary.
func runDemoJobs(ctx context.Context, limiter *orchestrator.MultiModelLimiter, cfg *config.Config) {
	var jobType string
	for name := range cfg.ResourceEstimationsPerJob {
		jobType = name
		break
	}
	if jobType == "" {
		slog.Warn("no job types configured, skipping demo jobs")
		return
	}

	for i := 0; i < 5; i++ {
		jobID := uuid.NewString()
		result, err := limiter.QueueJob(ctx, orchestrator.JobOptions{
			JobID:   jobID,
			JobType: jobType,
			Job: func(ctx context.Context, jctx orchestrator.JobContext, resolve orchestrator.ResolveFunc, reject orchestrator.RejectFunc) (orchestrator.BodyResult, error) {
				usage := domain.UsageReport{ModelID: jctx.ModelID, InputTokens: 500, OutputTokens: 200, RequestCount: 1}
				resolve(usage)
				return orchestrator.BodyResult{Usage: usage, RequestCount: 1, Result: fmt.Sprintf("demo result for %s", jobID)}, nil
			},
		})
		if err != nil {
			slog.Warn("demo job failed", "job_id", jobID, "error", err)
			continue
		}
		slog.Info("demo job completed", "job_id", jobID, "model_used", result.ModelUsed, "total_cost", result.TotalCost)
		time.Sleep(200 * time.Millisecond)
	}
}
