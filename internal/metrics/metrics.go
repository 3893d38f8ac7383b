// Package metrics provides Prometheus metrics for a transmissions node.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "transmissions"
)

// Metrics contains all Prometheus metrics for the node.
type Metrics struct {
	// Connection metrics
	PeersConnected  prometheus.Gauge
	PeersTotal      prometheus.Counter
	PeerConnections *prometheus.CounterVec
	PeerDisconnects *prometheus.CounterVec

	// Session metrics
	SessionsActive      prometheus.Gauge
	SessionsEstablished prometheus.Counter
	SessionsClosed      prometheus.Counter
	SessionRotations    prometheus.Counter

	// Stream metrics
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram
	StreamErrors      *prometheus.CounterVec

	// Data transfer metrics
	BytesSent      *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Handshake metrics
	HandshakeLatency  prometheus.Histogram
	HandshakeErrors   *prometheus.CounterVec
	HandshakesPending prometheus.Gauge

	// Chamber (persisted record store) metrics
	ChamberPuts    prometheus.Counter
	ChamberGets    prometheus.Counter
	ChamberDeletes prometheus.Counter
	ChamberErrors  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected peers",
		}),
		PeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total number of peer connections established",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer connections by transport type",
		}, []string{"transport", "direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer disconnections by reason",
		}, []string{"reason"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently established sessions",
		}),
		SessionsEstablished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_established_total",
			Help:      "Total number of sessions established",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed",
		}),
		SessionRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_key_rotations_total",
			Help:      "Total number of session key rotations performed",
		}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of stream open latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total stream errors by type",
		}, []string{"error_type"}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by type",
		}, []string{"type"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of peer handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
		HandshakesPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handshakes_pending",
			Help:      "Number of handshakes awaiting completion",
		}),

		ChamberPuts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chamber_puts_total",
			Help:      "Total records written to the chamber store",
		}),
		ChamberGets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chamber_gets_total",
			Help:      "Total records read from the chamber store",
		}),
		ChamberDeletes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chamber_deletes_total",
			Help:      "Total records deleted from the chamber store",
		}),
		ChamberErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chamber_errors_total",
			Help:      "Total chamber store errors by type",
		}, []string{"error_type"}),
	}
}

// RecordPeerConnect records a new peer connection.
func (m *Metrics) RecordPeerConnect(transport, direction string) {
	m.PeersConnected.Inc()
	m.PeersTotal.Inc()
	m.PeerConnections.WithLabelValues(transport, direction).Inc()
}

// RecordPeerDisconnect records a peer disconnection.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordSessionEstablished records a newly established session.
func (m *Metrics) RecordSessionEstablished() {
	m.SessionsActive.Inc()
	m.SessionsEstablished.Inc()
}

// RecordSessionClosed records a session closing.
func (m *Metrics) RecordSessionClosed() {
	m.SessionsActive.Dec()
	m.SessionsClosed.Inc()
}

// RecordSessionRotation records a session key rotation.
func (m *Metrics) RecordSessionRotation() {
	m.SessionRotations.Inc()
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen(latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	m.StreamOpenLatency.Observe(latencySeconds)
}

// RecordStreamClose records a stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordStreamError records a stream error.
func (m *Metrics) RecordStreamError(errorType string) {
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordFrameSent records a frame being sent.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records a frame being received.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordChamberPut records a chamber write.
func (m *Metrics) RecordChamberPut() {
	m.ChamberPuts.Inc()
}

// RecordChamberGet records a chamber read.
func (m *Metrics) RecordChamberGet() {
	m.ChamberGets.Inc()
}

// RecordChamberDelete records a chamber delete.
func (m *Metrics) RecordChamberDelete() {
	m.ChamberDeletes.Inc()
}

// RecordChamberError records a chamber store error.
func (m *Metrics) RecordChamberError(errorType string) {
	m.ChamberErrors.WithLabelValues(errorType).Inc()
}
