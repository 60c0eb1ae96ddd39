// Package metrics holds the Prometheus instruments shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DomainViolations counts detected encryption-domain violations per tier.
	DomainViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_state_domain_violations_total",
			Help: "Ciphertext found in a storage tier its encryption domain is not allowed in",
		},
		[]string{"tier"},
	)

	// ReconcilerDispatches counts persistence tasks dispatched by the reconciler.
	ReconcilerDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_state_reconciler_dispatches_total",
			Help: "Persistence tasks dispatched by the TTL reconciler",
		},
		[]string{"task_type"},
	)

	// ReconcilerScanErrors counts per-key errors during reconciler scan passes.
	ReconcilerScanErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_state_reconciler_scan_errors_total",
			Help: "Per-key errors encountered during reconciler scan passes",
		},
	)

	// TasksFailed counts persistence task executions that ended in error.
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_state_tasks_failed_total",
			Help: "Persistence task executions that failed and were scheduled for retry",
		},
		[]string{"task_type"},
	)

	// LogoutFlushTimeouts counts logout flushes abandoned at the deadline.
	LogoutFlushTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_state_logout_flush_timeouts_total",
			Help: "Logout draft flushes abandoned due to timeout and left to the reconciler",
		},
	)

	// StaleCacheKeys gauges keys seen inside the TTL warning window with a
	// version still ahead of the durable store, as of the last scan pass.
	StaleCacheKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_state_stale_cache_keys",
			Help: "Cache keys near TTL expiry whose version was ahead of the durable store at last scan",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_state_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	// HTTPRequestDuration observes HTTP request duration in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_state_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)
