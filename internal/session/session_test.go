package session

import (
	"context"
	"testing"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/frame"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/handshake"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/identity"
)

func pairedResults() (a, b *handshake.Result) {
	sid := handshake.SessionID{1, 2, 3, 4, 5, 6, 7, 8}
	key := []byte("session-key-32-bytes-long!!!!!!")
	var nodeA, nodeB identity.NodeID
	for i := 0; i < identity.IDSize; i++ {
		nodeA[i] = 0xAA
		nodeB[i] = 0xBB
	}
	a = &handshake.Result{SessionID: sid, SessionKey: key, PeerNodeID: nodeB, LocalNodeID: nodeA, IsInitiator: true}
	b = &handshake.Result{SessionID: sid, SessionKey: key, PeerNodeID: nodeA, LocalNodeID: nodeB, IsInitiator: false}
	return a, b
}

func TestOpenStreamSkipsReservedControlID(t *testing.T) {
	rA, _ := pairedResults()
	s := New(rA, cryptoadapter.New(), DefaultConfig())

	st, err := s.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if st.ID() == 0 {
		t.Error("OpenStream() assigned reserved id 0")
	}
}

func TestOpenStreamResourceLimit(t *testing.T) {
	rA, _ := pairedResults()
	cfg := DefaultConfig()
	cfg.MaxStreams = 1
	s := New(rA, cryptoadapter.New(), cfg)

	if _, err := s.OpenStream(); err != nil {
		t.Fatalf("first OpenStream() error = %v", err)
	}
	if _, err := s.OpenStream(); err != ErrResourceLimit {
		t.Errorf("second OpenStream() error = %v, want ErrResourceLimit", err)
	}
}

func TestCloseClosesOpenStreams(t *testing.T) {
	rA, _ := pairedResults()
	s := New(rA, cryptoadapter.New(), DefaultConfig())
	st, err := s.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %s, want CLOSED", s.State())
	}
	if _, err := st.Send(context.Background(), []byte("x")); err == nil {
		t.Error("Send() on stream of closed session succeeded")
	}
	if _, err := s.OpenStream(); err != ErrSessionClosed {
		t.Errorf("OpenStream() after Close() error = %v, want ErrSessionClosed", err)
	}
}

func TestRotateNowFailsWhileGraceWindowActive(t *testing.T) {
	rA, _ := pairedResults()
	cfg := DefaultConfig()
	cfg.Grace = time.Minute
	s := New(rA, cryptoadapter.New(), cfg)

	if _, err := s.RotateNow(); err != nil {
		t.Fatalf("first RotateNow() error = %v", err)
	}
	if _, err := s.RotateNow(); err != ErrRotationInProgress {
		t.Errorf("second RotateNow() error = %v, want ErrRotationInProgress", err)
	}
}

func TestRotateNowPreservesSessionID(t *testing.T) {
	rA, _ := pairedResults()
	s := New(rA, cryptoadapter.New(), DefaultConfig())
	before := s.ID()
	if _, err := s.RotateNow(); err != nil {
		t.Fatalf("RotateNow() error = %v", err)
	}
	if s.ID() != before {
		t.Errorf("ID() changed across rotation: %x -> %x", before, s.ID())
	}
}

func TestKeyRotationAcrossFrameThreshold(t *testing.T) {
	adapter := cryptoadapter.New()
	rA, rB := pairedResults()

	cfg := DefaultConfig()
	cfg.Thresholds.MaxFrames = 100_000
	cfg.Thresholds.MaxBytes = 1 << 40
	cfg.Thresholds.MaxAge = time.Hour
	cfg.Grace = time.Hour
	cfg.InitialCredit = 1 << 20 // enough send credit for every frame below

	sessA := New(rA, adapter, cfg)
	sessB := New(rB, adapter, cfg)

	streamA, err := sessA.OpenStream()
	if err != nil {
		t.Fatalf("sessA.OpenStream() error = %v", err)
	}
	streamB, err := sessB.OpenStream()
	if err != nil {
		t.Fatalf("sessB.OpenStream() error = %v", err)
	}

	rotations := 0
	const total = 100_001
	for i := 1; i <= total; i++ {
		wire, err := streamA.Send(context.Background(), []byte("x"))
		if err != nil {
			t.Fatalf("Send() at frame %d: %v", i, err)
		}
		f, err := frame.Decode(wire[0])
		if err != nil {
			t.Fatalf("Decode() at frame %d: %v", i, err)
		}
		out, err := streamB.Receive(f)
		if err != nil {
			t.Fatalf("Receive() at frame %d: %v", i, err)
		}
		if string(out) != "x" {
			t.Fatalf("Receive() at frame %d = %q, want %q", i, out, "x")
		}

		if rf, did, err := sessA.MaybeRotate(); err != nil {
			t.Fatalf("MaybeRotate() at frame %d: %v", i, err)
		} else if did {
			rotations++
			if err := sessB.HandleControlFrame(rf); err != nil {
				t.Fatalf("HandleControlFrame() at frame %d: %v", i, err)
			}
		}
	}

	if rotations != 1 {
		t.Errorf("rotations = %d, want 1", rotations)
	}
	if sessA.ID() != sessB.ID() {
		t.Errorf("session ids diverged after rotation: %x vs %x", sessA.ID(), sessB.ID())
	}
	statsA := sessA.Statistics()
	statsB := sessB.Statistics()
	if statsA.FramesSent != total {
		t.Errorf("sessA FramesSent = %d, want %d", statsA.FramesSent, total)
	}
	if statsB.FramesReceived != total {
		t.Errorf("sessB FramesReceived = %d, want %d", statsB.FramesReceived, total)
	}
}

func TestOpenStreamParityNeverCollides(t *testing.T) {
	rA, rB := pairedResults()
	sessA := New(rA, cryptoadapter.New(), DefaultConfig())
	sessB := New(rB, cryptoadapter.New(), DefaultConfig())

	seen := make(map[uint64]bool)
	for i := 0; i < 5; i++ {
		stA, err := sessA.OpenStream()
		if err != nil {
			t.Fatalf("sessA.OpenStream() error = %v", err)
		}
		if stA.ID()%2 != 1 {
			t.Errorf("initiator stream id %d is not odd", stA.ID())
		}
		if seen[stA.ID()] {
			t.Errorf("duplicate stream id %d", stA.ID())
		}
		seen[stA.ID()] = true

		stB, err := sessB.OpenStream()
		if err != nil {
			t.Fatalf("sessB.OpenStream() error = %v", err)
		}
		if stB.ID()%2 != 0 {
			t.Errorf("responder stream id %d is not even", stB.ID())
		}
		if seen[stB.ID()] {
			t.Errorf("duplicate stream id %d", stB.ID())
		}
		seen[stB.ID()] = true
	}
}

func TestAdoptStreamRegistersPeerOpenedStream(t *testing.T) {
	rA, _ := pairedResults()
	s := New(rA, cryptoadapter.New(), DefaultConfig())

	st, err := s.AdoptStream(2)
	if err != nil {
		t.Fatalf("AdoptStream() error = %v", err)
	}
	if st.ID() != 2 {
		t.Errorf("AdoptStream().ID() = %d, want 2", st.ID())
	}

	again, err := s.Stream(2)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if again != st {
		t.Error("AdoptStream() and Stream() returned different instances for the same id")
	}

	sameAgain, err := s.AdoptStream(2)
	if err != nil {
		t.Fatalf("second AdoptStream() error = %v", err)
	}
	if sameAgain != st {
		t.Error("AdoptStream() on an already-adopted id returned a different instance")
	}
}

func TestHandleControlFrameRejectsWrongType(t *testing.T) {
	rA, _ := pairedResults()
	s := New(rA, cryptoadapter.New(), DefaultConfig())
	f := &frame.Frame{Type: frame.TypeData, SessionID: s.SessionID()}
	if err := s.HandleControlFrame(f); err == nil {
		t.Error("HandleControlFrame() with non-CONTROL type succeeded")
	}
}

func TestTableResourceLimit(t *testing.T) {
	rA, _ := pairedResults()
	s := New(rA, cryptoadapter.New(), DefaultConfig())
	tbl := NewTable(1)

	if err := tbl.Add(s); err != nil {
		t.Fatalf("first Add() error = %v", err)
	}
	rA2, _ := pairedResults()
	s2 := New(rA2, cryptoadapter.New(), DefaultConfig())
	if err := tbl.Add(s2); err != ErrResourceLimit {
		t.Errorf("second Add() error = %v, want ErrResourceLimit", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}

	if got, ok := tbl.Get(s.ID()); !ok || got != s {
		t.Error("Get() did not return the added session")
	}
	tbl.Remove(s.ID())
	if tbl.Len() != 0 {
		t.Errorf("Len() after Remove() = %d, want 0", tbl.Len())
	}
}
