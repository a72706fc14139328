package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the bus. Scraped from the daemon's /metrics
// endpoint and dashboarded alongside the ws_* panels they replace.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_connections_total",
		Help: "Total number of bus connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wirebus_connections_active",
		Help: "Current number of active bus connections",
	})

	connectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wirebus_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	// Frame metrics
	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_frames_sent_total",
		Help: "Total number of frames sent to clients",
	})

	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_frames_received_total",
		Help: "Total number of frames received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	// Reliability metrics
	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_slow_clients_disconnected_total",
		Help: "Total number of slow clients disconnected after send retries",
	})

	rateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_rate_limited_frames_total",
		Help: "Total number of inbound frames dropped by rate limiting",
	})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wirebus_connection_rate_limited_total",
		Help: "Connection attempts rejected by rate limiting, by scope",
	}, []string{"scope"})

	// Endpoint metrics
	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wirebus_broadcasts_total",
		Help: "Broadcast frames fanned out, by endpoint",
	}, []string{"endpoint"})

	rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wirebus_rpc_duration_seconds",
		Help:    "RPC handler latency, by endpoint",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	}, []string{"endpoint"})

	rpcErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wirebus_rpc_errors_total",
		Help: "RPC failures, by endpoint and bus error code",
	}, []string{"endpoint", "code"})

	// Shared object metrics
	sharedObjectVersion = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wirebus_shared_object_version",
		Help: "Current version counter per shared object endpoint",
	}, []string{"endpoint"})

	sharedObjectSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wirebus_shared_object_subscribers",
		Help: "Subscribed connections per shared object endpoint",
	}, []string{"endpoint"})

	flushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wirebus_flush_duration_seconds",
		Help:    "Shared object flush latency (diff, validate, encode, fan out)",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	}, []string{"endpoint"})

	initFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wirebus_init_frames_total",
		Help: "Init frames sent, by endpoint (includes divergence resets)",
	}, []string{"endpoint"})

	// Worker pool metrics
	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wirebus_worker_queue_depth",
		Help: "Handler jobs waiting in the worker pool queue",
	})

	workerQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wirebus_worker_queue_capacity",
		Help: "Worker pool queue capacity",
	})

	// Bridge metrics
	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wirebus_nats_connected",
		Help: "Whether the NATS bridge connection is up (1) or down (0)",
	})

	natsMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_nats_messages_received_total",
		Help: "Messages received from NATS by the bridge",
	})

	natsMessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wirebus_nats_messages_dropped_total",
		Help: "Bridge messages dropped (bad payload or unknown endpoint)",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsFailed)
	prometheus.MustRegister(disconnectsTotal)

	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(slowClientsDisconnected)
	prometheus.MustRegister(rateLimitedFrames)
	prometheus.MustRegister(connectionRateLimited)

	prometheus.MustRegister(broadcastsTotal)
	prometheus.MustRegister(rpcDuration)
	prometheus.MustRegister(rpcErrors)

	prometheus.MustRegister(sharedObjectVersion)
	prometheus.MustRegister(sharedObjectSubscribers)
	prometheus.MustRegister(flushDuration)
	prometheus.MustRegister(initFrames)

	prometheus.MustRegister(workerQueueDepth)
	prometheus.MustRegister(workerQueueCapacity)

	prometheus.MustRegister(natsConnected)
	prometheus.MustRegister(natsMessagesReceived)
	prometheus.MustRegister(natsMessagesDropped)
}

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ConnectionOpened records an accepted connection.
func ConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// ConnectionClosed records a finished connection with its disconnect
// categorization.
func ConnectionClosed(reason, initiatedBy string) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
}

// ConnectionFailed records a connection attempt that never got going.
func ConnectionFailed() {
	connectionsFailed.Inc()
}

// FrameSent records one outbound frame.
func FrameSent(bytes int) {
	framesSent.Inc()
	bytesSent.Add(float64(bytes))
}

// FrameReceived records one inbound frame.
func FrameReceived(bytes int) {
	framesReceived.Inc()
	bytesReceived.Add(float64(bytes))
}

// SlowClientDisconnected records a send-buffer eviction.
func SlowClientDisconnected() {
	slowClientsDisconnected.Inc()
}

// FrameRateLimited records an inbound frame dropped by the limiter.
func FrameRateLimited() {
	rateLimitedFrames.Inc()
}

// ConnectionRateLimited records a rejected connection attempt; scope is
// "global" or "per_ip".
func ConnectionRateLimited(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

// BroadcastSent records a fan-out on an endpoint.
func BroadcastSent(endpoint string) {
	broadcastsTotal.WithLabelValues(endpoint).Inc()
}

// ObserveRPC records one RPC handler run.
func ObserveRPC(endpoint string, seconds float64, errCode string) {
	rpcDuration.WithLabelValues(endpoint).Observe(seconds)
	if errCode != "" {
		rpcErrors.WithLabelValues(endpoint, errCode).Inc()
	}
}

// SharedObjectFlushed records a flush and the version it produced.
func SharedObjectFlushed(endpoint string, version int64, seconds float64) {
	sharedObjectVersion.WithLabelValues(endpoint).Set(float64(version))
	flushDuration.WithLabelValues(endpoint).Observe(seconds)
}

// SharedObjectSubscribers tracks the subscriber gauge for an endpoint.
func SharedObjectSubscribers(endpoint string, n int) {
	sharedObjectSubscribers.WithLabelValues(endpoint).Set(float64(n))
}

// InitFrameSent records an init frame (fresh subscribe or reset).
func InitFrameSent(endpoint string) {
	initFrames.WithLabelValues(endpoint).Inc()
}

// WorkerQueue updates the worker pool gauges.
func WorkerQueue(depth, capacity int) {
	workerQueueDepth.Set(float64(depth))
	workerQueueCapacity.Set(float64(capacity))
}

// NATSConnected flips the bridge connectivity gauge.
func NATSConnected(up bool) {
	if up {
		natsConnected.Set(1)
	} else {
		natsConnected.Set(0)
	}
}

// NATSMessageReceived counts a bridge delivery.
func NATSMessageReceived() {
	natsMessagesReceived.Inc()
}

// NATSMessageDropped counts a bridge message that never reached an
// endpoint.
func NATSMessageDropped() {
	natsMessagesDropped.Inc()
}
