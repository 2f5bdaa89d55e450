package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the jam-band session engine.
//
// Naming convention: namespace_subsystem_name
// - namespace: jamband (application-level grouping)
// - subsystem: websocket, room, approval, swap, notes, metronome, voice,
//   broadcast, circuit_breaker, rate_limit, redis (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jamband",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jamband",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants in each room (GaugeVec with room_id label - current state per room)
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jamband",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jamband",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// NotesPlayedTotal tracks the total number of play_note events fanned out (CounterVec - cumulative)
	NotesPlayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "notes",
		Name:      "played_total",
		Help:      "Total note_played events fanned out to subscribers",
	}, []string{"room_id"})

	// BatcherQueueDepth tracks the current depth of each room's coalescing batcher queue (GaugeVec)
	BatcherQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jamband",
		Subsystem: "notes",
		Name:      "batcher_queue_depth",
		Help:      "Current depth of the per-room coalescing batcher queue",
	}, []string{"room_id"})

	// BatcherDropsTotal tracks how many queued messages were dropped on overflow (CounterVec)
	BatcherDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "notes",
		Name:      "batcher_drops_total",
		Help:      "Total messages dropped from the coalescing batcher on overflow",
	}, []string{"room_id"})

	// ApprovalSessionsActive tracks the number of pending approval sessions (Gauge)
	ApprovalSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jamband",
		Subsystem: "approval",
		Name:      "sessions_active",
		Help:      "Current number of pending approval sessions",
	})

	// ApprovalOutcomesTotal tracks approval session outcomes (CounterVec)
	ApprovalOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "approval",
		Name:      "outcomes_total",
		Help:      "Total approval session outcomes by result",
	}, []string{"outcome"})

	// SwapOutcomesTotal tracks instrument swap outcomes (CounterVec)
	SwapOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "swap",
		Name:      "outcomes_total",
		Help:      "Total instrument swap outcomes by result",
	}, []string{"outcome"})

	// GracePeriodEntriesActive tracks the number of live grace-period entries (Gauge)
	GracePeriodEntriesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jamband",
		Subsystem: "grace",
		Name:      "entries_active",
		Help:      "Current number of live grace-period entries awaiting reconnect",
	})

	// MetronomeTicksTotal tracks metronome ticks emitted per room (CounterVec)
	MetronomeTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "metronome",
		Name:      "ticks_total",
		Help:      "Total metronome ticks emitted",
	}, []string{"room_id"})

	// VoiceParticipants tracks current voice-mesh participants per room (GaugeVec)
	VoiceParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jamband",
		Subsystem: "voice",
		Name:      "participants_count",
		Help:      "Number of participants currently in a room's voice mesh",
	}, []string{"room_id"})

	// BroadcastActive tracks whether a room is currently broadcasting (GaugeVec, 0/1)
	BroadcastActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jamband",
		Subsystem: "broadcast",
		Name:      "active",
		Help:      "1 if the room is currently broadcasting, 0 otherwise",
	}, []string{"room_id"})

	// WebrtcConnectionAttempts tracks the total number of WebRTC signaling attempts (CounterVec - cumulative)
	WebrtcConnectionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "webrtc",
		Name:      "connection_attempts_total",
		Help:      "Total WebRTC signaling attempts forwarded",
	}, []string{"status"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jamband",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jamband",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jamband",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
