// Package telemetry provides observability primitives for the relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamAttempts   *prometheus.CounterVec
	UpstreamDuration   *prometheus.HistogramVec
	CircuitTransitions *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	Translations       *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec
	RecorderQueue      prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrelay",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmrelay",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmrelay",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrelay",
			Name:      "upstream_attempts_total",
			Help:      "Total provider attempts by outcome.",
		}, []string{"provider", "outcome"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmrelay",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrelay",
			Name:      "circuit_transitions_total",
			Help:      "Total circuit breaker state transitions.",
		}, []string{"provider", "to"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrelay",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		Translations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrelay",
			Name:      "translations_total",
			Help:      "Total wire format translations performed.",
		}, []string{"from", "to"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrelay",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		RecorderQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmrelay",
			Name:      "recorder_queue_length",
			Help:      "Current number of queued accounting rows.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamAttempts,
		m.UpstreamDuration,
		m.CircuitTransitions,
		m.RateLimitRejects,
		m.Translations,
		m.TokensProcessed,
		m.RecorderQueue,
	)

	return m
}
