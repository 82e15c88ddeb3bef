// Package telemetry provides observability primitives for the Heimdall gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamRetries    *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	LimiterRejects     *prometheus.CounterVec
	CreditsSpent       *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"api", "method", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "heimdall",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"api", "method"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "heimdall",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"api", "protocol"}),

		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "upstream_retries_total",
			Help:      "Total upstream retry attempts.",
		}, []string{"api"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "upstream_errors_total",
			Help:      "Total upstream call failures.",
		}, []string{"api", "status"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"api", "to"}),

		LimiterRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "limiter_rejects_total",
			Help:      "Requests rejected by a limiter.",
		}, []string{"type"}),

		CreditsSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "credits_spent_total",
			Help:      "Credits deducted from user balances.",
		}, []string{"group"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamRetries,
		m.UpstreamErrors,
		m.BreakerTransitions,
		m.LimiterRejects,
		m.CreditsSpent,
	)

	return m
}
