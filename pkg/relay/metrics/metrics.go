package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-live-relay/pkg/relay/pump"
	"github.com/vango-go/vai-live-relay/pkg/relay/store"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	// Session store
	SessionsActive prometheus.Gauge
	SessionEvents  *prometheus.CounterVec

	// Connections
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Frames
	FramesTotal   *prometheus.CounterVec
	DroppedFrames *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "live_relay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions held by the session store",
		},
	)

	sessionEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by kind and reason",
		},
		[]string{"event", "reason"},
	)

	connectionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of websocket connections currently relaying",
		},
	)

	connectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Finished websocket connections by outcome",
		},
		[]string{"outcome"},
	)

	connectionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Websocket connection duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Relayed frames by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	droppedFrames := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound media frames dropped by the rate limiter",
		},
		[]string{"kind"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionEvents,
		connectionsActive,
		connectionsTotal,
		connectionDuration,
		framesTotal,
		droppedFrames,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		SessionEvents:      sessionEvents,
		ConnectionsActive:  connectionsActive,
		ConnectionsTotal:   connectionsTotal,
		ConnectionDuration: connectionDuration,
		FramesTotal:        framesTotal,
		DroppedFrames:      droppedFrames,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe implements store.Observer.
func (m *Metrics) Observe(ev store.Event) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(string(ev.Kind), string(ev.Reason)).Inc()
	switch ev.Kind {
	case store.EventCreated:
		m.SessionsActive.Inc()
	case store.EventRemoved:
		m.SessionsActive.Dec()
	}
}

// FrameRelayed implements pump.Observer.
func (m *Metrics) FrameRelayed(dir pump.Direction, kind string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(string(dir), kind).Inc()
}

// FrameDropped implements pump.Observer.
func (m *Metrics) FrameDropped(kind string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(kind).Inc()
}

// RecordConnectionStart records a connection entering the relaying state.
func (m *Metrics) RecordConnectionStart() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// RecordConnectionEnd records a finished connection.
func (m *Metrics) RecordConnectionEnd(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionsTotal.WithLabelValues(outcome).Inc()
	m.ConnectionDuration.Observe(duration.Seconds())
}
