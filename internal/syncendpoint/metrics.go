package syncendpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the endpoint's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	reconnects      prometheus.Counter
	connectionState prometheus.Gauge
	pendingRequests prometheus.Gauge
	requestDuration *prometheus.HistogramVec
}

type MetricsConfig struct {
	Namespace string
	Subsystem string
	Registry  prometheus.Registerer
}

func NewMetrics(config MetricsConfig) *Metrics {
	if config.Namespace == "" {
		config.Namespace = "slotsync"
	}
	if config.Subsystem == "" {
		config.Subsystem = "endpoint"
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "frames_received_total",
				Help:      "Inbound frames decoded, by handler.",
			},
			[]string{"action"},
		),
		framesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "frames_sent_total",
				Help:      "Outbound frames written, by handler.",
			},
			[]string{"action"},
		),
		framesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "frames_dropped_total",
				Help:      "Inbound frames dropped without dispatch, by reason.",
			},
			[]string{"reason"},
		),
		reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "reconnect_attempts_total",
				Help:      "Redial attempts after channel failure.",
			},
		),
		connectionState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "connection_state",
				Help:      "0 closed, 1 connecting, 2 open.",
			},
		),
		pendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "pending_requests",
				Help:      "Requests awaiting a correlated response.",
			},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Time from request write to correlated response.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action", "outcome"},
		),
	}
}

func (m *Metrics) received(action string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(action).Inc()
}

func (m *Metrics) sent(action string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(action).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) state(s State) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}

func (m *Metrics) pending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

func (m *Metrics) request(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(action, outcome).Observe(seconds)
}
