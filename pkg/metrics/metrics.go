// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamConnectionsActive tracks active SSE and WebSocket connections.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_stream_connections_active",
			Help: "Number of active client stream connections",
		},
		[]string{"transport"},
	)

	// SessionsActive tracks open chat sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of open chat sessions",
		},
	)

	// SendAttemptsTotal tracks message persist attempts, including retries.
	SendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_send_attempts_total",
			Help: "Message persist attempts",
		},
		[]string{"result"},
	)

	// SendsTotal tracks the final outcome of each outgoing message.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sends_total",
			Help: "Outgoing messages by final outcome",
		},
		[]string{"outcome"},
	)

	// SendDuration tracks time from optimistic add to final outcome.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_send_duration_seconds",
			Help:    "Time from optimistic add to persisted or failed",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8, 16},
		},
		[]string{"outcome"},
	)

	// RealtimeEventsTotal tracks realtime events applied by sessions.
	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_realtime_events_total",
			Help: "Realtime events received by sessions",
		},
		[]string{"channel", "op"},
	)

	// SubscriptionsActive tracks live realtime subscriptions.
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_subscriptions_active",
			Help: "Live realtime subscriptions",
		},
		[]string{"channel"},
	)

	// ResubscribesTotal tracks resubscription attempts after channel failures.
	ResubscribesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_resubscribes_total",
			Help: "Resubscription attempts after channel errors",
		},
		[]string{"channel"},
	)

	// ResolvesTotal tracks conversation resolution outcomes.
	ResolvesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_conversation_resolves_total",
			Help: "Conversation resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// SideChannelFailuresTotal tracks best-effort writes that failed.
	SideChannelFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_side_channel_failures_total",
			Help: "Failed best-effort writes (typing, receipts, notifications)",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSend records the final outcome of an outgoing message.
func RecordSend(outcome string, duration float64) {
	SendsTotal.WithLabelValues(outcome).Inc()
	SendDuration.WithLabelValues(outcome).Observe(duration)
}

// IncrementStreamConnections increments the active connection count for a transport.
func IncrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementStreamConnections decrements the active connection count for a transport.
func DecrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}
