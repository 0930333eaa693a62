// Package metrics holds the Prometheus instrumentation of the server. Every
// Record method is safe on a nil *Metrics.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	FramesDropped     *prometheus.CounterVec

	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec
	ToolCalls    *prometheus.CounterVec

	PanelAcks *prometheus.CounterVec

	SpeechSessions *prometheus.CounterVec
	SpeechEvents   *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "screen"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open socket connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total socket connections accepted",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound events dropped because a connection queue was full",
		}, []string{"event"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_turns_total",
			Help:      "Agent turns by source and outcome",
		}, []string{"source", "outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_turn_duration_seconds",
			Help:      "Agent turn duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"source"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		PanelAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panel_acks_total",
			Help:      "Panel action round trips by outcome",
		}, []string{"outcome"}),
		SpeechSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_sessions_total",
			Help:      "Speech recognition sessions opened by provider",
		}, []string{"provider"}),
		SpeechEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_events_total",
			Help:      "Normalised speech events by kind",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by path and status",
		}, []string{"path", "status"}),
	}

	registry.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.FramesDropped,
		m.TurnsTotal,
		m.TurnDuration,
		m.ToolCalls,
		m.PanelAcks,
		m.SpeechSessions,
		m.SpeechEvents,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordConnectionOpen() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) RecordConnectionClose() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) RecordDropped(event string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordTurn(source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(source, outcome).Inc()
	m.TurnDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) RecordPanelAck(outcome string) {
	if m == nil {
		return
	}
	m.PanelAcks.WithLabelValues(outcome).Inc()
}

// RecordSpeech counts "opened" against the provider and everything else as
// an event kind.
func (m *Metrics) RecordSpeech(provider, what string) {
	if m == nil {
		return
	}
	if what == "opened" {
		m.SpeechSessions.WithLabelValues(provider).Inc()
		return
	}
	m.SpeechEvents.WithLabelValues(what).Inc()
}

// Middleware counts requests by path and status. The socket path is counted
// once at upgrade time.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.HTTPRequests.WithLabelValues(r.URL.Path, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack keeps websocket upgrades working through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
