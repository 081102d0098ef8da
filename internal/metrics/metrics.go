// Package metrics provides Prometheus instrumentation for the matchcore
// server: connection and room gauges, counters for frames, messages,
// interactions and notifications, and a send latency histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of websocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchcore_connections_active",
		Help: "Current number of active websocket connections",
	})

	// ConnectionsClosed counts closed connections by reason: "client",
	// "read_error", "idle", "auth_failed", "auth_timeout", "overflow",
	// "shutdown".
	ConnectionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_connections_closed_total",
		Help: "Total number of closed websocket connections",
	}, []string{"reason"})

	// FramesReceived counts inbound client frames by type.
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_frames_received_total",
		Help: "Total number of client frames received",
	}, []string{"type"})

	// MessagesTotal counts chat send attempts by result: "sent", "rejected",
	// "rate_limited", "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"result"})

	// MessageLatency records the time from frame receipt to ack.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchcore_message_latency_seconds",
		Help:    "Chat send handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// InteractionsTotal counts recorded interactions by kind.
	InteractionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_interactions_total",
		Help: "Total number of recorded interactions",
	}, []string{"kind"})

	// MatchEvents counts match lifecycle events: "created", "ended".
	MatchEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_match_events_total",
		Help: "Total number of match lifecycle events",
	}, []string{"event"})

	// RoomsActive tracks match rooms with at least one local member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchcore_rooms_active",
		Help: "Current number of match rooms with local members",
	})

	// NotificationsTotal counts offline notifications by type and result.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchcore_notifications_total",
		Help: "Total number of offline notifications handed off",
	}, []string{"type", "result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsClosed,
		FramesReceived,
		MessagesTotal,
		MessageLatency,
		InteractionsTotal,
		MatchEvents,
		RoomsActive,
		NotificationsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
