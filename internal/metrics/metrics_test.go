package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	// Verify metrics are registered
	if m.PeersConnected == nil {
		t.Error("PeersConnected metric is nil")
	}
	if m.StreamsActive == nil {
		t.Error("StreamsActive metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestRecordPeerConnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Record some peer connections
	m.RecordPeerConnect("quic", "outbound")
	m.RecordPeerConnect("quic", "inbound")
	m.RecordPeerConnect("h2", "outbound")

	// Check PeersConnected gauge
	peersConnected := testutil.ToFloat64(m.PeersConnected)
	if peersConnected != 3 {
		t.Errorf("PeersConnected = %v, want 3", peersConnected)
	}

	// Check PeersTotal counter
	peersTotal := testutil.ToFloat64(m.PeersTotal)
	if peersTotal != 3 {
		t.Errorf("PeersTotal = %v, want 3", peersTotal)
	}
}

func TestRecordPeerDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Connect some peers
	m.RecordPeerConnect("quic", "outbound")
	m.RecordPeerConnect("quic", "inbound")

	// Disconnect one
	m.RecordPeerDisconnect("timeout")

	peersConnected := testutil.ToFloat64(m.PeersConnected)
	if peersConnected != 1 {
		t.Errorf("PeersConnected = %v, want 1", peersConnected)
	}
}

func TestRecordStreamOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	// Open streams
	m.RecordStreamOpen(0.1)
	m.RecordStreamOpen(0.2)
	m.RecordStreamOpen(0.05)

	activeStreams := testutil.ToFloat64(m.StreamsActive)
	if activeStreams != 3 {
		t.Errorf("StreamsActive = %v, want 3", activeStreams)
	}

	// Close a stream
	m.RecordStreamClose()

	activeStreams = testutil.ToFloat64(m.StreamsActive)
	if activeStreams != 2 {
		t.Errorf("StreamsActive = %v, want 2", activeStreams)
	}

	// Verify streams opened counter
	streamsOpened := testutil.ToFloat64(m.StreamsOpened)
	if streamsOpened != 3 {
		t.Errorf("StreamsOpened = %v, want 3", streamsOpened)
	}

	streamsClosed := testutil.ToFloat64(m.StreamsClosed)
	if streamsClosed != 1 {
		t.Errorf("StreamsClosed = %v, want 1", streamsClosed)
	}
}

func TestRecordBytesTransfer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesSent("stream", 1000)
	m.RecordBytesSent("stream", 500)
	m.RecordBytesSent("control", 100)

	m.RecordBytesReceived("stream", 2000)
	m.RecordBytesReceived("control", 50)

	// Check bytes sent
	streamSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("stream"))
	if streamSent != 1500 {
		t.Errorf("BytesSent[stream] = %v, want 1500", streamSent)
	}

	controlSent := testutil.ToFloat64(m.BytesSent.WithLabelValues("control"))
	if controlSent != 100 {
		t.Errorf("BytesSent[control] = %v, want 100", controlSent)
	}

	// Check bytes received
	streamRecv := testutil.ToFloat64(m.BytesReceived.WithLabelValues("stream"))
	if streamRecv != 2000 {
		t.Errorf("BytesReceived[stream] = %v, want 2000", streamRecv)
	}
}

func TestRecordFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameSent("STREAM_DATA")
	m.RecordFrameSent("STREAM_DATA")
	m.RecordFrameSent("KEEPALIVE")
	m.RecordFrameReceived("STREAM_DATA")

	streamDataSent := testutil.ToFloat64(m.FramesSent.WithLabelValues("STREAM_DATA"))
	if streamDataSent != 2 {
		t.Errorf("FramesSent[STREAM_DATA] = %v, want 2", streamDataSent)
	}

	keepaliveSent := testutil.ToFloat64(m.FramesSent.WithLabelValues("KEEPALIVE"))
	if keepaliveSent != 1 {
		t.Errorf("FramesSent[KEEPALIVE] = %v, want 1", keepaliveSent)
	}
}

func TestRecordSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionEstablished()
	m.RecordSessionEstablished()
	m.RecordSessionRotation()
	m.RecordSessionClosed()

	active := testutil.ToFloat64(m.SessionsActive)
	if active != 1 {
		t.Errorf("SessionsActive = %v, want 1", active)
	}

	established := testutil.ToFloat64(m.SessionsEstablished)
	if established != 2 {
		t.Errorf("SessionsEstablished = %v, want 2", established)
	}

	rotations := testutil.ToFloat64(m.SessionRotations)
	if rotations != 1 {
		t.Errorf("SessionRotations = %v, want 1", rotations)
	}

	closed := testutil.ToFloat64(m.SessionsClosed)
	if closed != 1 {
		t.Errorf("SessionsClosed = %v, want 1", closed)
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake(0.5)
	m.RecordHandshake(0.3)
	m.RecordHandshakeError("timeout")
	m.RecordHandshakeError("version_mismatch")
	m.RecordHandshakeError("timeout")

	timeoutErrors := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("timeout"))
	if timeoutErrors != 2 {
		t.Errorf("HandshakeErrors[timeout] = %v, want 2", timeoutErrors)
	}

	versionErrors := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("version_mismatch"))
	if versionErrors != 1 {
		t.Errorf("HandshakeErrors[version_mismatch] = %v, want 1", versionErrors)
	}
}

func TestRecordChamber(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordChamberPut()
	m.RecordChamberPut()
	m.RecordChamberGet()
	m.RecordChamberDelete()
	m.RecordChamberError("not_found")

	puts := testutil.ToFloat64(m.ChamberPuts)
	if puts != 2 {
		t.Errorf("ChamberPuts = %v, want 2", puts)
	}

	gets := testutil.ToFloat64(m.ChamberGets)
	if gets != 1 {
		t.Errorf("ChamberGets = %v, want 1", gets)
	}

	deletes := testutil.ToFloat64(m.ChamberDeletes)
	if deletes != 1 {
		t.Errorf("ChamberDeletes = %v, want 1", deletes)
	}

	errs := testutil.ToFloat64(m.ChamberErrors.WithLabelValues("not_found"))
	if errs != 1 {
		t.Errorf("ChamberErrors[not_found] = %v, want 1", errs)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}

	if m1 == nil {
		t.Error("Default() returned nil")
	}
}

func TestStreamErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordStreamError("timeout")
	m.RecordStreamError("reset")
	m.RecordStreamError("timeout")

	timeoutErrors := testutil.ToFloat64(m.StreamErrors.WithLabelValues("timeout"))
	if timeoutErrors != 2 {
		t.Errorf("StreamErrors[timeout] = %v, want 2", timeoutErrors)
	}

	resetErrors := testutil.ToFloat64(m.StreamErrors.WithLabelValues("reset"))
	if resetErrors != 1 {
		t.Errorf("StreamErrors[reset] = %v, want 1", resetErrors)
	}
}
