package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

var (
	// ActiveConnections tracks authenticated sockets by client channel
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of authenticated WebSocket connections",
		},
		[]string{"channel"},
	)

	// RejectedConnections counts sockets closed during authentication
	RejectedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rejected_connections_total",
			Help: "Connections rejected during authentication by reason",
		},
		[]string{"channel", "reason"},
	)

	// InboundEvents counts client frames by event and outcome
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_inbound_events_total",
			Help: "Client-originated events handled by the gateway",
		},
		[]string{"channel", "event", "result"},
	)

	// FanoutDeliveries counts frames enqueued on connection outbound queues
	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_fanout_deliveries_total",
			Help: "Frames enqueued for delivery to local connections",
		},
		[]string{"channel"},
	)

	// DroppedConnections counts connections closed because their outbound queue overflowed
	DroppedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dropped_connections_total",
			Help: "Connections dropped by the gateway",
		},
		[]string{"channel", "reason"},
	)

	// BridgeEvents counts bus events translated into room fanout
	BridgeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bridge_events_total",
			Help: "Bus events routed to local rooms",
		},
		[]string{"subject", "result"},
	)

	// PublishQueueDepth tracks pending fire-and-forget publishes per subject
	PublishQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_publish_queue_depth",
			Help: "Pending fire-and-forget publishes per bus subject",
		},
		[]string{"subject"},
	)

	// PublishDropped counts publishes dropped because the subject queue was full
	PublishDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_publish_dropped_total",
			Help: "Fire-and-forget publishes dropped on overflow",
		},
		[]string{"subject"},
	)

	// BusRequestDuration tracks request/reply latency
	BusRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_bus_request_duration_seconds",
			Help:    "Time spent waiting for bus replies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject", "result"},
	)

	// PresenceTransitions counts online/offline broadcasts
	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_presence_transitions_total",
			Help: "Presence changes broadcast by the gateway",
		},
		[]string{"status"},
	)

	// StoreErrors counts presence/call-state backend failures that were logged and skipped
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_store_errors_total",
			Help: "Presence store operations that failed",
		},
		[]string{"operation"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer serves Handler at /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
