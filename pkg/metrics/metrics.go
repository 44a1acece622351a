// Package metrics provides the Prometheus collectors for avatar sessions.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional recorder without nil checks at every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "simli"

// Metrics groups the session collectors
type Metrics struct {
	sessionsActive    prometheus.Gauge
	connectAttempts   *prometheus.CounterVec
	reconnectsTotal   prometheus.Counter
	bootstrapDuration *prometheus.HistogramVec
	controlMessages   *prometheus.CounterVec
	pingLatency       prometheus.Histogram
	framesTotal       *prometheus.CounterVec
	streamTimeouts    *prometheus.CounterVec
	bytesSent         prometheus.Counter
}

// New creates the collectors and registers them on reg (when non-nil)
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions that are initialized and not yet stopped",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Session establishment attempts",
		}, []string{"status"}), // status: success, error
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects requested after session start",
		}),
		bootstrapDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bootstrap_duration_seconds",
			Help:      "Duration of the HTTP session bootstrap",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"status"}),
		controlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control channel messages received, by type",
		}, []string{"type"}),
		pingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_latency_seconds",
			Help:      "Round-trip latency measured by control channel pings",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames yielded to consumers",
		}, []string{"kind"}),
		streamTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_timeouts_total",
			Help:      "Frame receive timeouts, by kind and phase",
		}, []string{"kind", "phase"}), // phase: warmup, steady
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Audio payload bytes sent over the control channel",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.sessionsActive,
		m.connectAttempts,
		m.reconnectsTotal,
		m.bootstrapDuration,
		m.controlMessages,
		m.pingLatency,
		m.framesTotal,
		m.streamTimeouts,
		m.bytesSent,
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// SessionStarted records a session becoming usable.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionStopped records a session teardown.
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// ConnectAttempt records one establishment attempt.
func (m *Metrics) ConnectAttempt(err error) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(status(err)).Inc()
}

// Reconnect records a reconnect request.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// Bootstrap records the HTTP bootstrap duration.
func (m *Metrics) Bootstrap(seconds float64, err error) {
	if m == nil {
		return
	}
	m.bootstrapDuration.WithLabelValues(status(err)).Observe(seconds)
}

// ControlMessage records a received control message.
func (m *Metrics) ControlMessage(kind string) {
	if m == nil {
		return
	}
	m.controlMessages.WithLabelValues(kind).Inc()
}

// PingLatency records a measured round trip.
func (m *Metrics) PingLatency(seconds float64) {
	if m == nil {
		return
	}
	m.pingLatency.Observe(seconds)
}

// Frame records a frame handed to a consumer.
func (m *Metrics) Frame(kind string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(kind).Inc()
}

// StreamTimeout records a receive timeout.
func (m *Metrics) StreamTimeout(kind string, warmup bool) {
	if m == nil {
		return
	}
	phase := "steady"
	if warmup {
		phase = "warmup"
	}
	m.streamTimeouts.WithLabelValues(kind, phase).Inc()
}

// BytesSent records audio payload bytes written to the control channel.
func (m *Metrics) BytesSent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}
