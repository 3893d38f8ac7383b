package handshake

import (
	"bytes"
	"testing"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/identity"
)

func testNodeIDs(t *testing.T) (initiator, responder identity.NodeID) {
	t.Helper()
	var i, r identity.NodeID
	for n := 0; n < identity.IDSize; n++ {
		i[n] = 0x01
		r[n] = 0x02
	}
	return i, r
}

func TestHappyPathHandshake(t *testing.T) {
	a := cryptoadapter.New()
	seed := []byte("shared_seed_32_bytes_minimum!!!")
	initID, respID := testNodeIDs(t)

	init := NewInitiator(a, seed, initID)
	resp := NewResponder(a, seed, respID, time.Minute)

	helloFrame, err := init.Start(time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	responseFrame, err := resp.HandleHello(helloFrame)
	if err != nil {
		t.Fatalf("HandleHello() error = %v", err)
	}

	authProofFrame, err := init.HandleResponse(responseFrame)
	if err != nil {
		t.Fatalf("HandleResponse() error = %v", err)
	}

	finalFrame, respResult, err := resp.HandleAuthProof(authProofFrame)
	if err != nil {
		t.Fatalf("HandleAuthProof() error = %v", err)
	}

	initResult, err := init.HandleFinal(finalFrame)
	if err != nil {
		t.Fatalf("HandleFinal() error = %v", err)
	}

	if initResult.SessionID != respResult.SessionID {
		t.Errorf("session ids differ: initiator=%x responder=%x", initResult.SessionID, respResult.SessionID)
	}
	if !bytes.Equal(initResult.SessionKey, respResult.SessionKey) {
		t.Error("session keys differ between initiator and responder")
	}
	if init.State() != StateEstablished || resp.State() != StateEstablished {
		t.Errorf("states = %s / %s, want both ESTABLISHED", init.State(), resp.State())
	}

	// Both derived session keys must encrypt/decrypt each other's frames.
	ct, meta, err := a.Encrypt([]byte("Hello!"), initResult.SessionKey, nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := a.Decrypt(ct, respResult.SessionKey, meta, nil)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(pt) != "Hello!" {
		t.Errorf("Decrypt() = %q, want %q", pt, "Hello!")
	}
}

func TestBadSharedSeedRejected(t *testing.T) {
	a := cryptoadapter.New()
	initID, respID := testNodeIDs(t)

	init := NewInitiator(a, []byte("initiator_seed_32_bytes_minimum!"), initID)
	resp := NewResponder(a, []byte("responder_seed_different_seed!!!"), respID, time.Minute)

	helloFrame, err := init.Start(time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	responseFrame, err := resp.HandleHello(helloFrame)
	if err != nil {
		t.Fatalf("HandleHello() error = %v", err)
	}

	if _, err := init.HandleResponse(responseFrame); err != ErrBadSeed {
		t.Errorf("HandleResponse() error = %v, want ErrBadSeed", err)
	}
}

func TestReplayOfMessage2Rejected(t *testing.T) {
	a := cryptoadapter.New()
	seed := []byte("shared_seed_32_bytes_minimum!!!")
	initID, respID := testNodeIDs(t)

	// First attempt: capture its RESPONSE.
	firstInit := NewInitiator(a, seed, initID)
	resp := NewResponder(a, seed, respID, time.Minute)
	firstHello, err := firstInit.Start(time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	capturedResponse, err := resp.HandleHello(firstHello)
	if err != nil {
		t.Fatalf("HandleHello() error = %v", err)
	}

	// Second attempt, fresh initiator nonce: replay the captured RESPONSE.
	secondInit := NewInitiator(a, seed, initID)
	if _, err := secondInit.Start(time.Minute); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := secondInit.HandleResponse(capturedResponse); err != ErrBadSeed {
		t.Errorf("HandleResponse(replayed) error = %v, want ErrBadSeed", err)
	}
}

func TestUnexpectedMessageOrder(t *testing.T) {
	a := cryptoadapter.New()
	seed := []byte("shared_seed_32_bytes_minimum!!!")
	initID, respID := testNodeIDs(t)

	init := NewInitiator(a, seed, initID)
	resp := NewResponder(a, seed, respID, time.Minute)

	helloFrame, err := init.Start(time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Calling HandleAuthProof before HandleHello must fail.
	if _, _, err := resp.HandleAuthProof(helloFrame); err == nil {
		t.Error("HandleAuthProof() out of order succeeded, want error")
	}
}

func TestManagerDiscardsPriorAttemptOnRetry(t *testing.T) {
	a := cryptoadapter.New()
	seed := []byte("shared_seed_32_bytes_minimum!!!")
	initID, respID := testNodeIDs(t)

	m := NewManager(time.Minute)

	init1 := NewInitiator(a, seed, initID)
	hello1, err := init1.Start(time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	resp1 := NewResponder(a, seed, respID, time.Minute)
	if _, err := resp1.HandleHello(hello1); err != nil {
		t.Fatalf("HandleHello() error = %v", err)
	}
	m.Begin(initID, init1.transcript.NonceI, resp1)

	init2 := NewInitiator(a, seed, initID)
	hello2, err := init2.Start(time.Minute)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	resp2 := NewResponder(a, seed, respID, time.Minute)
	if _, err := resp2.HandleHello(hello2); err != nil {
		t.Fatalf("HandleHello() error = %v", err)
	}
	m.Begin(initID, init2.transcript.NonceI, resp2)

	if _, ok := m.Lookup(initID, init1.transcript.NonceI); ok {
		t.Error("Lookup() found the discarded first attempt")
	}
	if _, ok := m.Lookup(initID, init2.transcript.NonceI); !ok {
		t.Error("Lookup() did not find the retried attempt")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}
