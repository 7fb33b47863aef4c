package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the media relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: media_relay (application-level grouping)
// - subsystem: connection, room, relay, rate_limit, ip_throttle, redis, circuit_breaker
// - name: specific metric (connections_active, frames_relayed_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, viewers, queue depth)
// - Counter: Cumulative events (frames relayed/dropped, rejections)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of live WebSocket sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "media_relay",
		Subsystem: "connection",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "media_relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// ViewersPerRoom tracks the number of viewers attached to each room.
	ViewersPerRoom = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "media_relay",
		Subsystem: "room",
		Name:      "viewers_count",
		Help:      "Number of viewers attached to each room",
	}, []string{"room_id"})

	// PendingViewersPerRoom tracks viewers awaiting presenter approval.
	PendingViewersPerRoom = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "media_relay",
		Subsystem: "room",
		Name:      "pending_viewers_count",
		Help:      "Number of viewers awaiting approval in each room",
	}, []string{"room_id"})

	// ConnectionEvents tracks the total number of connection lifecycle events processed.
	ConnectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_relay",
		Subsystem: "connection",
		Name:      "events_total",
		Help:      "Total connection lifecycle events processed",
	}, []string{"event_type", "status"})

	// CommandProcessingDuration tracks the time spent handling one inbound command.
	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "media_relay",
		Subsystem: "connection",
		Name:      "command_processing_seconds",
		Help:      "Time spent processing one inbound command frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"command"})

	// FramesRelayedTotal tracks binary frames successfully enqueued to a viewer.
	FramesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_relay",
		Subsystem: "relay",
		Name:      "frames_relayed_total",
		Help:      "Total binary frames successfully enqueued to a viewer",
	}, []string{"room_id"})

	// FramesDroppedTotal tracks binary frames dropped because a viewer's
	// outbound queue was full (spec.md §5 backpressure policy).
	FramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_relay",
		Subsystem: "relay",
		Name:      "frames_dropped_total",
		Help:      "Total binary frames dropped due to a full outbound queue",
	}, []string{"room_id"})

	// OutboundQueueDepth tracks the current depth of a session's outbound queue.
	OutboundQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "media_relay",
		Subsystem: "relay",
		Name:      "outbound_queue_depth",
		Help:      "Current depth of a session's outbound frame queue",
	}, []string{"session_id"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "media_relay",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_relay",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded a rate limit window
	// (spec.md §4.6: per-session message cap, per-IP room-creation cap).
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_relay",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded a rate limit window",
	}, []string{"window", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_relay",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"window"})

	// IPBlocksActive tracks the current number of blocked IPs (spec.md §4.7).
	IPBlocksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "media_relay",
		Subsystem: "ip_throttle",
		Name:      "blocks_active",
		Help:      "Current number of blocked IP addresses",
	})

	// IPBlocksTotal tracks the cumulative number of IPs blocked.
	IPBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_relay",
		Subsystem: "ip_throttle",
		Name:      "blocks_total",
		Help:      "Total number of IP addresses blocked",
	}, []string{"reason"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "media_relay",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "media_relay",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
