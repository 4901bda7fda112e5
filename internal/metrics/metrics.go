// Package metrics exposes the request dispatcher's Prometheus counters
// (spec.md §4.4: "increments request counters"). Registration happens once
// at package init via promauto, matching the package-level-collector style
// used throughout the pack's Prometheus-instrumented services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts dispatched requests by terminal HTTP status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgerun_dispatcher_requests_total",
		Help: "Total number of requests handled by the request dispatcher, labeled by terminal status code.",
	}, []string{"status"})

	// RequestDuration observes end-to-end handler latency in seconds.
	RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgerun_dispatcher_request_duration_seconds",
		Help:    "Request dispatcher end-to-end latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// PoolAcquireFailuresTotal counts instance-pool acquire failures by kind
	// ("module_not_found" | "load_failed").
	PoolAcquireFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgerun_pool_acquire_failures_total",
		Help: "Total number of instance pool acquire failures, labeled by failure kind.",
	}, []string{"kind"})
)

// RecordRequest records one terminal request outcome.
func RecordRequest(status int, seconds float64) {
	RequestsTotal.WithLabelValues(statusLabel(status)).Inc()
	RequestDuration.Observe(seconds)
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
