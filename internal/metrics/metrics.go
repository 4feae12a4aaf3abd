package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Connection metrics
	ClientConnected(roomID string)
	ClientDisconnected(roomID string)
	ClientError(roomID, errorType string)

	// Room metrics
	RoomCreated(roomID string)
	RoomEvicted(roomID string)

	// Action metrics
	ActionReceived(roomID, actionType string)
	ActionRejected(roomID, actionType, reason string)

	// Signaling metrics
	SignalRelayed(messageType string, sizeBytes int)
	SignalDropped(reason string)

	// Side-effect metrics
	PersistenceFailure(kind string)
	PushEnqueued()
	PushFailure()

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	activeClients     prometheus.Gauge
	clientConnections *prometheus.CounterVec
	clientDisconnects *prometheus.CounterVec
	clientErrors      *prometheus.CounterVec

	activeRooms   prometheus.Gauge
	roomCreations *prometheus.CounterVec
	roomEvictions *prometheus.CounterVec

	actionsReceived *prometheus.CounterVec
	actionsRejected *prometheus.CounterVec

	signalsRelayed *prometheus.CounterVec
	signalsDropped *prometheus.CounterVec
	signalSize     *prometheus.HistogramVec

	persistenceFailures *prometheus.CounterVec
	pushEnqueued        prometheus.Counter
	pushFailures        prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		activeClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "duolink_active_clients",
			Help: "Number of active WebSocket clients",
		}),

		clientConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_client_connections_total",
				Help: "Total number of WebSocket client connections",
			},
			[]string{"room_id"},
		),

		clientDisconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_client_disconnects_total",
				Help: "Total number of WebSocket client disconnections",
			},
			[]string{"room_id"},
		),

		clientErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_client_errors_total",
				Help: "Total number of WebSocket client errors",
			},
			[]string{"room_id", "error_type"},
		),

		activeRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "duolink_active_rooms",
			Help: "Number of rooms currently held in memory",
		}),

		roomCreations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_room_creations_total",
				Help: "Total number of room state initializations",
			},
			[]string{"room_id"},
		),

		roomEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_room_evictions_total",
				Help: "Total number of idle room evictions",
			},
			[]string{"room_id"},
		),

		actionsReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_actions_received_total",
				Help: "Total number of client actions processed",
			},
			[]string{"room_id", "action_type"},
		),

		actionsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_actions_rejected_total",
				Help: "Total number of client actions rejected",
			},
			[]string{"room_id", "action_type", "reason"},
		),

		signalsRelayed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_signals_relayed_total",
				Help: "Total number of WebRTC signaling payloads relayed",
			},
			[]string{"message_type"},
		),

		signalsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_signals_dropped_total",
				Help: "Total number of signaling payloads dropped",
			},
			[]string{"reason"},
		),

		signalSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "duolink_signal_size_bytes",
				Help:    "Size of relayed signaling payloads in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10), // 64B to 32KB
			},
			[]string{"message_type"},
		),

		persistenceFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duolink_persistence_failures_total",
				Help: "Total number of best-effort persistence failures",
			},
			[]string{"kind"},
		),

		pushEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duolink_push_enqueued_total",
			Help: "Total number of push notification tasks enqueued",
		}),

		pushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duolink_push_failures_total",
			Help: "Total number of push notification delivery failures",
		}),
	}
}

// ClientConnected records a client connection
func (c *PrometheusCollector) ClientConnected(roomID string) {
	c.clientConnections.WithLabelValues(roomID).Inc()
	c.activeClients.Inc()
}

// ClientDisconnected records a client disconnection
func (c *PrometheusCollector) ClientDisconnected(roomID string) {
	c.clientDisconnects.WithLabelValues(roomID).Inc()
	c.activeClients.Dec()
}

// ClientError records a client error
func (c *PrometheusCollector) ClientError(roomID, errorType string) {
	c.clientErrors.WithLabelValues(roomID, errorType).Inc()
}

// RoomCreated records a room state initialization
func (c *PrometheusCollector) RoomCreated(roomID string) {
	c.roomCreations.WithLabelValues(roomID).Inc()
	c.activeRooms.Inc()
}

// RoomEvicted records an idle room eviction
func (c *PrometheusCollector) RoomEvicted(roomID string) {
	c.roomEvictions.WithLabelValues(roomID).Inc()
	c.activeRooms.Dec()
}

// ActionReceived records a processed client action
func (c *PrometheusCollector) ActionReceived(roomID, actionType string) {
	c.actionsReceived.WithLabelValues(roomID, actionType).Inc()
}

// ActionRejected records a rejected client action
func (c *PrometheusCollector) ActionRejected(roomID, actionType, reason string) {
	c.actionsRejected.WithLabelValues(roomID, actionType, reason).Inc()
}

// SignalRelayed records a relayed signaling payload
func (c *PrometheusCollector) SignalRelayed(messageType string, sizeBytes int) {
	c.signalsRelayed.WithLabelValues(messageType).Inc()
	c.signalSize.WithLabelValues(messageType).Observe(float64(sizeBytes))
}

// SignalDropped records a dropped signaling payload
func (c *PrometheusCollector) SignalDropped(reason string) {
	c.signalsDropped.WithLabelValues(reason).Inc()
}

// PersistenceFailure records a best-effort persistence failure
func (c *PrometheusCollector) PersistenceFailure(kind string) {
	c.persistenceFailures.WithLabelValues(kind).Inc()
}

// PushEnqueued records an enqueued push notification task
func (c *PrometheusCollector) PushEnqueued() {
	c.pushEnqueued.Inc()
}

// PushFailure records a failed push notification delivery
func (c *PrometheusCollector) PushFailure() {
	c.pushFailures.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// Noop is a Collector that records nothing. Used in tests.
type Noop struct{}

func (Noop) ClientConnected(string)                {}
func (Noop) ClientDisconnected(string)             {}
func (Noop) ClientError(string, string)            {}
func (Noop) RoomCreated(string)                    {}
func (Noop) RoomEvicted(string)                    {}
func (Noop) ActionReceived(string, string)         {}
func (Noop) ActionRejected(string, string, string) {}
func (Noop) SignalRelayed(string, int)             {}
func (Noop) SignalDropped(string)                  {}
func (Noop) PersistenceFailure(string)             {}
func (Noop) PushEnqueued()                         {}
func (Noop) PushFailure()                          {}
func (Noop) Handler() http.Handler                 { return http.NotFoundHandler() }
