// Package metrics provides performance tracking and observability for Polaris
// using Prometheus metrics. It offers collectors for lookup outcomes, cache
// behavior, and backend health.
//
// # Basic Usage
//
//	// Record a resolved lookup
//	metrics.LookupsTotal.WithLabelValues("SECRET_STORE", "found").Inc()
//
//	// Track resolution latency
//	timer := metrics.NewTimer()
//	result := resolver.GetConfigWithMetadata(ctx, key, opts)
//	metrics.LookupDuration.WithLabelValues("resolver").Observe(timer.Stop().Seconds())
//
// All metrics register against the default registry via promauto; exposing
// them is the embedding service's concern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LookupsTotal counts completed lookups by winning source and outcome
	// (found, not_found).
	LookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polaris_lookups_total",
			Help: "Total configuration lookups by winning source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// CacheEvents counts cache hits, misses, and evictions per component
	// (resolver, secret_store, feature_flags).
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polaris_cache_events_total",
			Help: "Cache hits, misses, and clears per component",
		},
		[]string{"component", "event"},
	)

	// BackendErrors counts backend call failures by backend and error type.
	BackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polaris_backend_errors_total",
			Help: "Backend call failures by backend and error type",
		},
		[]string{"backend", "type"},
	)

	// LookupDuration tracks end-to-end resolution latency per component.
	LookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polaris_lookup_duration_seconds",
			Help:    "Configuration lookup latency distribution",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"component"},
	)

	// BackendReady reports each backend's readiness (1 ready, 0 not).
	BackendReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polaris_backend_ready",
			Help: "Backend readiness state (1 = ready)",
		},
		[]string{"backend"},
	)
)

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer was started.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// SetReady records a backend's readiness state.
func SetReady(backend string, ready bool) {
	v := 0.0
	if ready {
		v = 1.0
	}
	BackendReady.WithLabelValues(backend).Set(v)
}
