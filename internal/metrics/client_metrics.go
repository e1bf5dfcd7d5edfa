package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request cache metrics
	RequestCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsefit_request_cache_total",
			Help: "Request manager lookups by result",
		},
		[]string{"result"}, // hit, miss, dedup, cancelled, error
	)

	RequestCacheSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsefit_request_cache_swept_total",
			Help: "Total number of expired cache entries removed by sweeps",
		},
	)

	// Executor metrics
	ExecutorAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsefit_executor_attempts_total",
			Help: "Primary operation attempts by operation",
		},
		[]string{"operation"},
	)

	ExecutorOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsefit_executor_outcomes_total",
			Help: "Executor results by operation and the method that produced them",
		},
		[]string{"operation", "method"}, // method: primary, <fallback name>, all_sources_failed, fatal
	)

	// Version guard metrics
	VersionPurgesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsefit_version_purges_total",
			Help: "Total number of client storage purges caused by version skew",
		},
	)

	// Push listener metrics
	PushListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsefit_push_listeners",
			Help: "Number of open subscription push listeners",
		},
	)
)

// RecordCacheResult records a request manager lookup outcome
func RecordCacheResult(result string) {
	if result == "" {
		result = "unknown"
	}
	RequestCacheTotal.WithLabelValues(result).Inc()
}

// RecordSweep records entries removed by a TTL sweep
func RecordSweep(removed int) {
	if removed > 0 {
		RequestCacheSweptTotal.Add(float64(removed))
	}
}

// RecordAttempt records one primary attempt
func RecordAttempt(operation string) {
	ExecutorAttemptsTotal.WithLabelValues(operation).Inc()
}

// RecordOutcome records which method resolved an executor run
func RecordOutcome(operation, method string) {
	if method == "" {
		method = "unknown"
	}
	ExecutorOutcomesTotal.WithLabelValues(operation, method).Inc()
}

// RecordVersionPurge records a completed storage purge
func RecordVersionPurge() {
	VersionPurgesTotal.Inc()
}
