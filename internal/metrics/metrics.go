// Package metrics holds the Prometheus collectors of the realtime server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Authenticated WebSocket connections",
		},
	)

	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_handshakes_total",
			Help: "Connection handshakes by result",
		},
		[]string{"result"}, // "ok", "rejected", "timeout"
	)

	SlowConsumerEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_slow_consumer_evictions_total",
			Help: "Connections closed because their send queue was full",
		},
	)

	// Room metrics
	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_room_joins_total",
			Help: "Room join requests by family and result",
		},
		[]string{"family", "result"},
	)

	RoomsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_rooms_active",
			Help: "Rooms with at least one member",
		},
		[]string{"family"},
	)

	// Broadcast metrics
	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_broadcast_total",
			Help: "Envelopes handed to fan-out by kind",
		},
		[]string{"kind"},
	)

	FramesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_frames_delivered_total",
			Help: "Frames enqueued to connections",
		},
	)

	BroadcastErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_broadcast_errors_total",
			Help: "Broadcasts swallowed by the hook facade",
		},
		[]string{"hook"},
	)

	// History metrics
	HistoryDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_history_persist_dropped_total",
			Help: "Envelopes not persisted because the writer queue was full",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_redis_publish_latency_seconds",
			Help:    "Redis publish latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
