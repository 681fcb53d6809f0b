// Package metrics exposes Prometheus instrumentation for live sessions.
// All recording methods are nil-safe so instrumentation stays optional.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the SDK.
type Metrics struct {
	registry *prometheus.Registry

	// Conversation round metrics
	RoundsTotal   *prometheus.CounterVec
	RoundDuration prometheus.Histogram

	// Tool metrics
	ToolCallsTotal *prometheus.CounterVec

	// Channel metrics
	MessagesTotal          *prometheus.CounterVec
	HeartbeatTimeoutsTotal prometheus.Counter
	SpeechChunksTotal      prometheus.Counter

	// Session metrics
	SessionsActive prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered on a
// private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "perso"
	}

	registry := prometheus.NewRegistry()

	roundsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_rounds_total",
			Help:      "Total number of LLM conversation rounds",
		},
		[]string{"result"},
	)

	roundDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_round_duration_seconds",
			Help:      "LLM round duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	toolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool", "outcome"},
	)

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_total",
			Help:      "Total data channel messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	heartbeatTimeoutsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_heartbeat_timeouts_total",
			Help:      "Total number of channels closed by heartbeat timeout",
		},
	)

	speechChunksTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_chunks_total",
			Help:      "Total number of avatar speech chunks observed",
		},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active sessions",
		},
	)

	registry.MustRegister(
		roundsTotal,
		roundDuration,
		toolCallsTotal,
		messagesTotal,
		heartbeatTimeoutsTotal,
		speechChunksTotal,
		sessionsActive,
	)

	return &Metrics{
		registry:               registry,
		RoundsTotal:            roundsTotal,
		RoundDuration:          roundDuration,
		ToolCallsTotal:         toolCallsTotal,
		MessagesTotal:          messagesTotal,
		HeartbeatTimeoutsTotal: heartbeatTimeoutsTotal,
		SpeechChunksTotal:      speechChunksTotal,
		SessionsActive:         sessionsActive,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRound records a completed LLM round.
func (m *Metrics) RecordRound(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RoundsTotal.WithLabelValues(result).Inc()
	m.RoundDuration.Observe(duration.Seconds())
}

// RecordToolCall records a single tool invocation.
func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordMessage records one data channel message.
func (m *Metrics) RecordMessage(typ, direction string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(typ, direction).Inc()
}

// RecordHeartbeatTimeout records a channel closed for missed heartbeats.
func (m *Metrics) RecordHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatTimeoutsTotal.Inc()
}

// RecordSpeechChunk records an avatar speech chunk starting playback.
func (m *Metrics) RecordSpeechChunk() {
	if m == nil {
		return
	}
	m.SpeechChunksTotal.Inc()
}

// RecordSessionStart records a session opening.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session closing.
func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}
