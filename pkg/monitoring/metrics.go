package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Service name for metrics
	ServiceName = "osmadiff"
)

var (
	// MCP request metrics
	MCPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmadiff_mcp_requests_total",
			Help: "Total number of MCP requests processed",
		},
		[]string{"tool", "status"},
	)

	MCPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osmadiff_mcp_request_duration_seconds",
			Help:    "MCP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"tool"},
	)

	// External service metrics
	ExternalServiceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmadiff_external_service_requests_total",
			Help: "Total number of external service requests",
		},
		[]string{"service", "operation", "status"},
	)

	ExternalServiceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osmadiff_external_service_request_duration_seconds",
			Help:    "External service request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"service", "operation"},
	)

	// Rate limiting metrics
	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmadiff_rate_limit_exceeded_total",
			Help: "Total number of requests that waited noticeably on the rate limiter",
		},
		[]string{"service"},
	)

	RateLimitWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osmadiff_rate_limit_wait_duration_seconds",
			Help:    "Time spent waiting for rate limits",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"service"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmadiff_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmadiff_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	CachePruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmadiff_cache_pruned_total",
			Help: "Total number of cache entries removed by pruning",
		},
		[]string{"cache_type"},
	)

	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "osmadiff_cache_size",
			Help: "Number of entries in a cache after the last prune",
		},
		[]string{"cache_type"},
	)

	// Augmented diff metrics
	DiffBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmadiff_diff_builds_total",
			Help: "Total number of augmented diff builds",
		},
		[]string{"status"},
	)

	DiffBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "osmadiff_diff_build_duration_seconds",
			Help:    "Augmented diff build duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
	)

	DiffActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmadiff_diff_actions_total",
			Help: "Total number of actions emitted in augmented diffs",
		},
		[]string{"origin"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmadiff_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "osmadiff_system_info",
			Help: "System information",
		},
		[]string{"version", "go_version", "build_commit", "build_date"},
	)

	GoRoutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "osmadiff_goroutines",
			Help: "Number of goroutines",
		},
	)

	MemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "osmadiff_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "osmadiff_dependency_up",
			Help: "Whether the last check of a dependency succeeded (1) or failed (0)",
		},
		[]string{"dependency"},
	)

	GCRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "osmadiff_gc_runs_total",
			Help: "Total number of garbage collection runs",
		},
	)
)

// Helper functions for common metric updates
func RecordMCPRequest(tool string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	MCPRequestsTotal.WithLabelValues(tool, status).Inc()
	MCPRequestDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordExternalServiceRequest(service, operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ExternalServiceRequestsTotal.WithLabelValues(service, operation, status).Inc()
	ExternalServiceRequestDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func RecordCacheHit(cacheType string) {
	CacheHits.WithLabelValues(cacheType).Inc()
}

func RecordCacheMiss(cacheType string) {
	CacheMisses.WithLabelValues(cacheType).Inc()
}

func RecordCachePruned(cacheType string, n int) {
	CachePruned.WithLabelValues(cacheType).Add(float64(n))
}

func UpdateCacheSize(cacheType string, size int) {
	CacheSize.WithLabelValues(cacheType).Set(float64(size))
}

// RecordDiffBuild records one augmented diff build. seeded counts actions
// taken from the change bundle and synthesized those derived from node edits.
func RecordDiffBuild(duration time.Duration, seeded, synthesized int, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	DiffBuildsTotal.WithLabelValues(status).Inc()
	DiffBuildDuration.Observe(duration.Seconds())
	if success {
		DiffActions.WithLabelValues("change").Add(float64(seeded))
		DiffActions.WithLabelValues("synthesized").Add(float64(synthesized))
	}
}

func RecordRateLimitExceeded(service string) {
	RateLimitExceeded.WithLabelValues(service).Inc()
}

func RecordRateLimitWait(service string, duration time.Duration) {
	RateLimitWaitTime.WithLabelValues(service).Observe(duration.Seconds())
}

func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
