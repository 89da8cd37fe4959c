package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iotrelay"

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive         prometheus.Gauge
	SessionsTotal          prometheus.Counter
	SessionDuration        prometheus.Histogram
	SessionsTerminated     *prometheus.CounterVec
	DevicesRegistered      prometheus.Gauge
	MessagesReceivedTotal  *prometheus.CounterVec
	MalformedMessagesTotal prometheus.Counter

	// Forward metrics
	ForwardsTotal   *prometheus.CounterVec
	ForwardDuration *prometheus.HistogramVec

	// Keepalive metrics
	KeepaliveProbesTotal   prometheus.Counter
	KeepaliveFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of currently open device sessions",
			},
		),
		SessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of device sessions accepted",
			},
		),
		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Lifetime of device sessions in seconds",
				Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 14400, 86400},
			},
		),
		SessionsTerminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_terminated_total",
				Help:      "Total number of device sessions ended, by reason",
			},
			[]string{"reason"},
		),
		DevicesRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices_registered",
				Help:      "Number of devices currently registered",
			},
		),
		MessagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of device messages received, by type",
			},
			[]string{"type"},
		),
		MalformedMessagesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_messages_total",
				Help:      "Total number of device frames rejected as malformed",
			},
		),

		ForwardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwards_total",
				Help:      "Total number of messages forwarded downstream",
			},
			[]string{"type", "status"},
		),
		ForwardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forward_duration_seconds",
				Help:      "Duration of downstream round trips in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		KeepaliveProbesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keepalive_probes_total",
				Help:      "Total number of keepalive probes sent",
			},
		),
		KeepaliveFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keepalive_failures_total",
				Help:      "Total number of keepalive failures, by reason",
			},
			[]string{"reason"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	// Session metrics
	m.registry.MustRegister(m.SessionsActive)
	m.registry.MustRegister(m.SessionsTotal)
	m.registry.MustRegister(m.SessionDuration)
	m.registry.MustRegister(m.SessionsTerminated)
	m.registry.MustRegister(m.DevicesRegistered)
	m.registry.MustRegister(m.MessagesReceivedTotal)
	m.registry.MustRegister(m.MalformedMessagesTotal)

	// Forward metrics
	m.registry.MustRegister(m.ForwardsTotal)
	m.registry.MustRegister(m.ForwardDuration)

	// Keepalive metrics
	m.registry.MustRegister(m.KeepaliveProbesTotal)
	m.registry.MustRegister(m.KeepaliveFailuresTotal)

	// Process metrics
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
