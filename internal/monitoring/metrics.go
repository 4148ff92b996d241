// Package monitoring exposes the daemon's Prometheus metrics.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy daemon.
type Metrics struct {
	// Proxy request metrics
	ProxyRequests *prometheus.CounterVec // labels: mode, outcome
	ProxyDuration *prometheus.HistogramVec
	ResponseBytes *prometheus.HistogramVec

	// Permission gate metrics
	PermissionChecks *prometheus.CounterVec // labels: capability, outcome
	PromptsShown     prometheus.Counter
	PromptsPending   prometheus.Gauge

	// Correlation metrics
	CorrelationBinds     prometheus.Counter
	CorrelationMisses    *prometheus.CounterVec // label: reason
	CorrelationPending   prometheus.Gauge

	// Header rule metrics
	RulesActive    prometheus.Gauge
	RulesInstalled prometheus.Counter

	// Transport metrics
	Chunks     *prometheus.CounterVec // labels: kind, phase
	ChunkBytes *prometheus.CounterVec // label: kind

	// Channel metrics
	Channels prometheus.Gauge

	startTime time.Time
	Uptime    prometheus.Gauge
}

// New creates a metrics collector registered on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates a metrics collector on a specific registerer. Tests use a
// fresh registry to avoid duplicate registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptgate_proxy_requests_total",
				Help: "Proxied requests by execution mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ProxyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scriptgate_proxy_request_duration_seconds",
				Help:    "Proxied request duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
		ResponseBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scriptgate_proxy_response_bytes",
				Help:    "Response body size in bytes",
				Buckets: []float64{1000, 10000, 100000, 1000000, 10000000, 100000000},
			},
			[]string{"mode"},
		),

		PermissionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptgate_permission_checks_total",
				Help: "Permission verifications by capability and outcome",
			},
			[]string{"capability", "outcome"},
		),
		PromptsShown: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptgate_permission_prompts_total",
				Help: "Confirmation prompts surfaced to the user",
			},
		),
		PromptsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptgate_permission_prompts_pending",
				Help: "Confirmation requests waiting in the queue",
			},
		),

		CorrelationBinds: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptgate_correlation_binds_total",
				Help: "Logical requests successfully bound to a platform id",
			},
		),
		CorrelationMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptgate_correlation_misses_total",
				Help: "Correlation entries discarded without binding",
			},
			[]string{"reason"},
		),
		CorrelationPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptgate_correlation_pending",
				Help: "Unresolved correlation entries",
			},
		),

		RulesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptgate_header_rules_active",
				Help: "Currently installed header rewrite rules",
			},
		),
		RulesInstalled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scriptgate_header_rules_installed_total",
				Help: "Header rewrite rules installed since start",
			},
		),

		Chunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptgate_transport_chunks_total",
				Help: "Chunk messages sent by kind and phase",
			},
			[]string{"kind", "phase"},
		),
		ChunkBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scriptgate_transport_chunk_bytes_total",
				Help: "Chunk payload bytes sent by kind",
			},
			[]string{"kind"},
		),

		Channels: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptgate_channels_active",
				Help: "Open sandbox message channels",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scriptgate_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}

	return m
}

// TickUptime refreshes the uptime gauge.
func (m *Metrics) TickUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
