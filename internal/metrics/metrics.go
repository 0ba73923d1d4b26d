// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus collectors for every component of the
// daemon. Collectors are registered via promauto at package init; components
// record through the helper functions rather than touching collectors
// directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	stageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "videoforge_stage_duration_seconds",
		Help:    "Time spent per progressive processing stage",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	videosProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoforge_videos_processed_total",
		Help: "Videos reaching a terminal processing state",
	}, []string{"outcome"}) // outcome=complete|error

	// Queue metrics
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videoforge_queue_depth",
		Help: "Number of jobs waiting in the priority queue",
	})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videoforge_active_jobs",
		Help: "Number of jobs currently being processed",
	})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoforge_jobs_total",
		Help: "Jobs by terminal status",
	}, []string{"status"}) // status=complete|failed

	// Tool metrics
	toolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoforge_tool_executions_total",
		Help: "Tool executions by tool and outcome",
	}, []string{"tool", "outcome"}) // outcome=success|failure|timeout|cached

	toolDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "videoforge_tool_duration_seconds",
		Help:    "Tool execution latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	// Cache metrics
	cacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoforge_cache_ops_total",
		Help: "Cache operations by tier and outcome",
	}, []string{"tier", "outcome"}) // tier=l1|l2|l3, outcome=hit|miss|set|invalidate

	// Store metrics
	storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoforge_store_errors_total",
		Help: "Store errors by kind",
	}, []string{"kind"}) // kind=transient|fatal|not_found

	contextRecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoforge_context_records_written_total",
		Help: "Context records persisted by type",
	}, []string{"context_type"})

	persistenceRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoforge_persistence_retries_total",
		Help: "Retried persistence transactions after transient store errors",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "videoforge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoforge_circuit_breaker_trips_total",
		Help: "Circuit breaker trips by name and reason",
	}, []string{"name", "reason"})

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoforge_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "videoforge_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// Integrity metrics
	deadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoforge_dead_letters_total",
		Help: "Persistence batches parked in the dead-letter queue",
	})

	consistencyViolations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "videoforge_consistency_violations",
		Help: "Violations found by the last consistency check",
	}, []string{"kind"}) // kind=orphan|ordering|payload|status
)

func ObserveStageDuration(stage string, seconds float64) {
	stageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

func IncVideoProcessed(outcome string) { videosProcessedTotal.WithLabelValues(outcome).Inc() }

func SetQueueDepth(n int)  { queueDepth.Set(float64(n)) }
func SetActiveJobs(n int)  { activeJobs.Set(float64(n)) }
func AddActiveJobs(n int)  { activeJobs.Add(float64(n)) }
func IncJob(status string) { jobsTotal.WithLabelValues(status).Inc() }

func IncToolExecution(tool, outcome string) {
	toolExecutionsTotal.WithLabelValues(tool, outcome).Inc()
}

func ObserveToolDuration(tool string, seconds float64) {
	toolDurationSeconds.WithLabelValues(tool).Observe(seconds)
}

func IncCacheOp(tier, outcome string) { cacheOpsTotal.WithLabelValues(tier, outcome).Inc() }

func IncStoreError(kind string) { storeErrorsTotal.WithLabelValues(kind).Inc() }

func AddContextRecords(contextType string, n int) {
	contextRecordsWritten.WithLabelValues(contextType).Add(float64(n))
}

func IncPersistenceRetry() { persistenceRetriesTotal.Inc() }

// SetCircuitBreakerState records the breaker state as a numeric gauge.
func SetCircuitBreakerState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	circuitBreakerState.WithLabelValues(name).Set(v)
}

func RecordCircuitBreakerTrip(name, reason string) {
	circuitBreakerTrips.WithLabelValues(name, reason).Inc()
}

func RecordHTTPRequest(method, route, status string, seconds float64) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(seconds)
}

func IncDeadLetter() { deadLettersTotal.Inc() }

func SetConsistencyViolations(kind string, n int) {
	consistencyViolations.WithLabelValues(kind).Set(float64(n))
}
