// Package metrics exposes the gateway's Prometheus instrumentation.
// The collectors use a private registry so tests can create isolated
// instances without duplicate-registration panics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/modelrelay/internal/core"
)

const namespace = "modelrelay"

// Metrics tracks request, adapter and health instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	adapterLatency *prometheus.HistogramVec
	providerUp     *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	streamChunks   *prometheus.CounterVec
}

// New creates and registers all gateway collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total dispatched requests by provider and model",
			},
			[]string{"provider", "model"},
		),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total dispatch errors by provider and error kind",
			},
			[]string{"provider", "kind"},
		),

		adapterLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_latency_seconds",
				Help:      "Adapter invocation latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		providerUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_routable",
				Help:      "Whether the provider is eligible for dispatch (1) or excluded (0)",
			},
			[]string{"provider"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_transitions_total",
				Help:      "Health state transitions by provider, from and to state",
			},
			[]string{"provider", "from", "to"},
		),

		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_chunks_total",
				Help:      "Streaming chunks delivered to clients by provider",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		m.requests,
		m.errors,
		m.adapterLatency,
		m.providerUp,
		m.transitions,
		m.streamChunks,
	)

	return m
}

// RecordRequest counts one dispatched request and its adapter latency.
func (m *Metrics) RecordRequest(provider, model string, latency time.Duration) {
	m.requests.WithLabelValues(provider, model).Inc()
	m.adapterLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
}

// RecordError counts a dispatch error by kind. Provider may be empty
// for routing-level failures such as not_found.
func (m *Metrics) RecordError(provider string, kind core.ErrorKind) {
	if provider == "" {
		provider = "none"
	}

	m.errors.WithLabelValues(provider, string(kind)).Inc()
}

// RecordHealth updates the routable gauge and counts the transition.
func (m *Metrics) RecordHealth(provider string, from, to core.HealthState) {
	up := 0.0
	if to.Routable() {
		up = 1.0
	}

	m.providerUp.WithLabelValues(provider).Set(up)

	if from != to {
		m.transitions.WithLabelValues(provider, string(from), string(to)).Inc()
	}
}

// RecordChunk counts one streaming chunk delivered to a client.
func (m *Metrics) RecordChunk(provider string) {
	m.streamChunks.WithLabelValues(provider).Inc()
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
