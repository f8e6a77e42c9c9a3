// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring batchgate.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// BatchBuckets covers batch sizes from a single prompt up to large fan-ins.
var BatchBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchgate_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchgate_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// RequestsInFlight tracks HTTP requests currently being served.
	RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchgate_requests_in_flight",
			Help: "Requests currently in flight",
		},
	)

	// ProviderRequestsTotal counts batched calls sent to the backend.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchgate_provider_requests_total",
			Help: "Provider requests",
		},
		[]string{"provider", "model", "status"},
	)

	// ProviderLatency records backend provider latency in seconds.
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchgate_provider_latency_seconds",
			Help:    "Provider latency",
			Buckets: LLMBuckets,
		},
		[]string{"provider", "model"},
	)

	// OpenGroups tracks batch groups currently accepting waiters.
	OpenGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchgate_open_groups",
			Help: "Batch groups currently open",
		},
	)

	// BatchSize records the number of prompts per dispatched group.
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchgate_batch_size",
			Help:    "Prompts per dispatched batch",
			Buckets: BatchBuckets,
		},
	)

	// GroupsDispatchedTotal counts dispatched groups by outcome
	// (ok, error, mismatch).
	GroupsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchgate_groups_dispatched_total",
			Help: "Dispatched batch groups",
		},
		[]string{"outcome"},
	)

	// DispatchDuration records the time from claim to publish per group.
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batchgate_dispatch_duration_seconds",
			Help:    "Group dispatch duration",
			Buckets: LLMBuckets,
		},
	)

	// WaitersAbandonedTotal counts waiters whose caller stopped waiting
	// before the result was published.
	WaitersAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batchgate_waiters_abandoned_total",
			Help: "Abandoned waiters",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchgate_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)

	// UsageSinkErrorsTotal counts usage events that could not be recorded.
	UsageSinkErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchgate_usage_sink_errors_total",
			Help: "Usage sink failures",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RequestsInFlight,
		ProviderRequestsTotal,
		ProviderLatency,
		OpenGroups,
		BatchSize,
		GroupsDispatchedTotal,
		DispatchDuration,
		WaitersAbandonedTotal,
		RateLimitRejectedTotal,
		UsageSinkErrorsTotal,
	)
}

// Handler returns the /metrics endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
