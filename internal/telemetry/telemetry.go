// Package telemetry provides observability with Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for ratectl.
type Metrics struct {
	// Reservation metrics
	ReservationAttempts *prometheus.CounterVec // model, job_type, result ("hit"|"miss")
	ReservationMisses   *prometheus.CounterVec // model, dimension
	ReservationWaitTime *prometheus.HistogramVec

	// Queue depth
	ModelQueueDepth   *prometheus.GaugeVec // model
	JobTypeQueueDepth *prometheus.GaugeVec // job_type

	// Job-type allocation
	JobTypeRatio          *prometheus.GaugeVec // job_type
	JobTypeAllocatedSlots *prometheus.GaugeVec // job_type
	JobTypeInFlight       *prometheus.GaugeVec // job_type
	RatioAdjustments      prometheus.Counter

	// Counter overage
	CounterOverage *prometheus.CounterVec // model, dimension

	// Job outcomes
	JobsCompleted  *prometheus.CounterVec // job_type, model_used
	JobsFailed     *prometheus.CounterVec // job_type, reason
	JobsDelegated  *prometheus.CounterVec // from_model, to_model
	JobCostUSD     *prometheus.CounterVec // model
	JobDuration    *prometheus.HistogramVec

	// Distributed backend
	PoolRecomputeLatency *prometheus.HistogramVec // model
	PoolRecomputeErrors  prometheus.Counter
	LiveInstances        prometheus.Gauge
}

// NewMetrics creates and registers all metrics against registry (the
// process default registerer if nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ReservationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratectl_reservation_attempts_total",
				Help: "Total reservation attempts against a per-model limiter",
			},
			[]string{"model", "job_type", "result"},
		),
		ReservationMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratectl_reservation_misses_total",
				Help: "Reservation misses by the dimension that rejected them",
			},
			[]string{"model", "dimension"},
		),
		ReservationWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratectl_reservation_wait_seconds",
				Help:    "Time spent in the bounded-wait FIFO queue before a reservation resolved",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"model"},
		),
		ModelQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratectl_model_queue_depth",
				Help: "Current FIFO queue depth of a per-model limiter",
			},
			[]string{"model"},
		),
		JobTypeQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratectl_jobtype_queue_depth",
				Help: "Current FIFO queue depth of a job type's slot manager",
			},
			[]string{"job_type"},
		),
		JobTypeRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratectl_jobtype_ratio",
				Help: "Current ratio of total capacity allocated to a job type",
			},
			[]string{"job_type"},
		),
		JobTypeAllocatedSlots: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratectl_jobtype_allocated_slots",
				Help: "Current slot allocation for a job type",
			},
			[]string{"job_type"},
		),
		JobTypeInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratectl_jobtype_in_flight",
				Help: "Current in-flight job count for a job type",
			},
			[]string{"job_type"},
		),
		RatioAdjustments: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ratectl_ratio_adjustments_total",
				Help: "Total dynamic ratio-adjustment cycles that moved capacity between job types",
			},
		),
		CounterOverage: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratectl_counter_overage_total",
				Help: "Committed usage that exceeded a configured limit, by model and dimension",
			},
			[]string{"model", "dimension"},
		),
		JobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratectl_jobs_completed_total",
				Help: "Total jobs that resolved successfully",
			},
			[]string{"job_type", "model_used"},
		),
		JobsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratectl_jobs_failed_total",
				Help: "Total jobs that failed, by reason",
			},
			[]string{"job_type", "reason"},
		),
		JobsDelegated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratectl_jobs_delegated_total",
				Help: "Total delegation hops from one model to the next within a job",
			},
			[]string{"from_model", "to_model"},
		),
		JobCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratectl_job_cost_usd_total",
				Help: "Total accrued cost in USD, by model",
			},
			[]string{"model"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratectl_job_duration_seconds",
				Help:    "End-to-end job duration including any delegation hops",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"job_type"},
		),
		PoolRecomputeLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratectl_pool_recompute_latency_seconds",
				Help:    "Latency of one distributed pool-allocation recomputation",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"model"},
		),
		PoolRecomputeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ratectl_pool_recompute_errors_total",
				Help: "Total distributed pool-allocation recomputations that failed",
			},
		),
		LiveInstances: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratectl_live_instances",
				Help: "Number of instances observed live in the shared registry",
			},
		),
	}
}

// Handler returns the standard Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
