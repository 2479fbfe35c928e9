package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the conferencing rendezvous backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: p2p_conference (application-level grouping)
// - subsystem: websocket, room, signaling, kv (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages routed, errors)
// - Histogram: Latency distributions (routing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "p2p_conference",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with live participants (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "p2p_conference",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with live participants",
	})

	// RoomParticipants tracks the number of participants in each room (GaugeVec with room_id label - current state per room)
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "p2p_conference",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of inbound frames routed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2p_conference",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent routing inbound frames (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "p2p_conference",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SignalsRelayed tracks WebRTC signals forwarded between peers (CounterVec - cumulative)
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2p_conference",
		Subsystem: "signaling",
		Name:      "signals_relayed_total",
		Help:      "Total WebRTC signals relayed, by delivery mode",
	}, []string{"mode", "status"})

	// KVOperations tracks durable store calls (CounterVec - cumulative)
	KVOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2p_conference",
		Subsystem: "kv",
		Name:      "operations_total",
		Help:      "Total KV store operations, by operation and outcome",
	}, []string{"operation", "status"})

	// KVCircuitBreakerState mirrors the store breaker state (Gauge: 0=closed, 1=half-open, 2=open)
	KVCircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "p2p_conference",
		Subsystem: "kv",
		Name:      "circuit_breaker_state",
		Help:      "KV circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// RateLimitRejections counts requests refused by the rate limiter (CounterVec - cumulative)
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "p2p_conference",
		Subsystem: "websocket",
		Name:      "rate_limit_rejections_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"scope"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
