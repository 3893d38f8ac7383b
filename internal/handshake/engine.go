package handshake

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/frame"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/identity"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/tlv"
)

// Initiator drives the dialer side of one handshake attempt: HELLO ->
// (RESPONSE) -> AUTH_PROOF -> (FINAL) -> ESTABLISHED.
type Initiator struct {
	adapter    cryptoadapter.Adapter
	sharedSeed []byte
	localID    identity.NodeID

	state     State
	deadline  time.Time
	transcript Transcript
}

// NewInitiator creates an initiator-role handshake attempt.
func NewInitiator(adapter cryptoadapter.Adapter, sharedSeed []byte, localID identity.NodeID) *Initiator {
	return &Initiator{
		adapter:    adapter,
		sharedSeed: sharedSeed,
		localID:    localID,
		state:      StateIdle,
	}
}

func (h *Initiator) State() State { return h.state }

// Start generates nonce_i and produces the Message 1 HELLO frame.
func (h *Initiator) Start(timeout time.Duration) (*frame.Frame, error) {
	if h.state != StateIdle {
		return nil, fmt.Errorf("%w: Start called in state %s", ErrUnexpectedMessage, h.state)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h.deadline = time.Now().Add(timeout)

	var nonceI Nonce
	if _, err := io.ReadFull(rand.Reader, nonceI[:]); err != nil {
		h.state = StateFailed
		return nil, fmt.Errorf("generate nonce_i: %w", err)
	}
	h.transcript.NonceI = nonceI
	h.transcript.NodeIDI = h.localID
	h.transcript.Timestamp = uint64(time.Now().UnixNano())

	commitData := append(append([]byte{}, nonceI[:]...), h.localID.Bytes()...)
	commitment, err := h.adapter.Hash(commitData, tlv.Map{
		"purpose":   "hello_commitment",
		"timestamp": h.transcript.Timestamp,
	})
	if err != nil {
		h.state = StateFailed
		return nil, fmt.Errorf("compute commitment: %w", err)
	}
	h.transcript.Commitment = commitment

	body := tlv.Map{
		"type":       "HELLO",
		"node_id":    h.localID.Bytes(),
		"nonce_i":    nonceI[:],
		"timestamp":  h.transcript.Timestamp,
		"commitment": commitment[:],
	}
	f, err := wrapFrame(body, 0)
	if err != nil {
		h.state = StateFailed
		return nil, err
	}
	h.state = StateHelloSent
	return f, nil
}

// HandleResponse processes Message 2 RESPONSE and produces Message 3
// AUTH_PROOF. Fails with ErrBadSeed if the challenge does not decrypt
// to nonce_i || nonce_r under the shared seed — including a replay of a
// RESPONSE from an unrelated attempt, since the recovered nonce_i then
// will not match this attempt's transcript.
func (h *Initiator) HandleResponse(f *frame.Frame) (*frame.Frame, error) {
	if h.state != StateHelloSent {
		return nil, fmt.Errorf("%w: HandleResponse called in state %s", ErrUnexpectedMessage, h.state)
	}
	if h.expired() {
		h.state = StateFailed
		return nil, ErrHandshakeTimeout
	}

	body, err := unwrapFrame(f)
	if err != nil {
		return nil, err
	}
	mtype, err := messageType(body)
	if err != nil {
		return nil, err
	}
	if mtype != "RESPONSE" {
		return nil, fmt.Errorf("%w: expected RESPONSE, got %s", ErrUnexpectedMessage, mtype)
	}

	nodeIDRBytes, err := requireBytes(body, "node_id_r", identity.IDSize)
	if err != nil {
		return nil, err
	}
	nodeIDR, err := identity.FromBytes(nodeIDRBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	nonceRBytes, err := requireBytes(body, "nonce_r", NonceSize)
	if err != nil {
		return nil, err
	}
	var nonceR Nonce
	copy(nonceR[:], nonceRBytes)

	challengeCT, err := requireBytes(body, "challenge_ct", 0)
	if err != nil {
		return nil, err
	}
	meta, err := requireMap(body, "meta")
	if err != nil {
		return nil, err
	}

	ad := challengeAD(h.localID, nodeIDR)
	plaintext, err := h.adapter.Decrypt(challengeCT, h.sharedSeed, cryptoadapter.Metadata(meta), ad)
	if err != nil || len(plaintext) != 2*NonceSize {
		h.state = StateFailed
		return nil, ErrBadSeed
	}
	if !bytesEqual(plaintext[:NonceSize], h.transcript.NonceI[:]) || !bytesEqual(plaintext[NonceSize:], nonceR[:]) {
		h.state = StateFailed
		return nil, ErrBadSeed
	}

	h.transcript.NonceR = nonceR
	h.transcript.NodeIDR = nodeIDR
	h.state = StateResponseReceived

	sid := DeriveSessionID(&h.transcript)
	proofCT, meta2, err := h.adapter.Encrypt(sid[:], h.sharedSeed, proofAD(sid))
	if err != nil {
		h.state = StateFailed
		return nil, fmt.Errorf("encrypt auth proof: %w", err)
	}

	out := tlv.Map{
		"type":       "AUTH_PROOF",
		"session_id": sid[:],
		"proof_ct":   proofCT,
		"meta2":      tlv.Map(meta2),
	}
	outFrame, err := wrapFrame(out, 1)
	if err != nil {
		h.state = StateFailed
		return nil, err
	}
	h.state = StateProofSent
	return outFrame, nil
}

// HandleFinal processes Message 4 FINAL and, on success, transitions to
// ESTABLISHED and derives the session key. The transcript is discarded
// by the caller dropping this Initiator value.
func (h *Initiator) HandleFinal(f *frame.Frame) (*Result, error) {
	if h.state != StateProofSent {
		return nil, fmt.Errorf("%w: HandleFinal called in state %s", ErrUnexpectedMessage, h.state)
	}
	if h.expired() {
		h.state = StateFailed
		return nil, ErrHandshakeTimeout
	}

	body, err := unwrapFrame(f)
	if err != nil {
		return nil, err
	}
	mtype, err := messageType(body)
	if err != nil {
		return nil, err
	}
	if mtype != "FINAL" {
		return nil, fmt.Errorf("%w: expected FINAL, got %s", ErrUnexpectedMessage, mtype)
	}

	sidBytes, err := requireBytes(body, "session_id", 8)
	if err != nil {
		return nil, err
	}
	expected := DeriveSessionID(&h.transcript)
	if !bytesEqual(sidBytes, expected[:]) {
		h.state = StateFailed
		return nil, ErrTranscriptMismatch
	}

	key, err := DeriveSessionKey(h.adapter, &h.transcript)
	if err != nil {
		h.state = StateFailed
		return nil, err
	}

	h.state = StateEstablished
	return &Result{
		SessionID:   expected,
		SessionKey:  key,
		PeerNodeID:  h.transcript.NodeIDR,
		LocalNodeID: h.localID,
		Timestamp:   h.transcript.Timestamp,
		IsInitiator: true,
	}, nil
}

func (h *Initiator) expired() bool {
	return !h.deadline.IsZero() && time.Now().After(h.deadline)
}

// Responder drives the listener side of one handshake attempt.
type Responder struct {
	adapter    cryptoadapter.Adapter
	sharedSeed []byte
	localID    identity.NodeID

	state      State
	deadline   time.Time
	transcript Transcript
}

// NewResponder creates a responder-role handshake attempt.
func NewResponder(adapter cryptoadapter.Adapter, sharedSeed []byte, localID identity.NodeID, timeout time.Duration) *Responder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Responder{
		adapter:    adapter,
		sharedSeed: sharedSeed,
		localID:    localID,
		state:      StateIdle,
		deadline:   time.Now().Add(timeout),
	}
}

func (h *Responder) State() State { return h.state }

// PeerNodeID returns the initiator's node id once known (after HELLO).
func (h *Responder) PeerNodeID() identity.NodeID { return h.transcript.NodeIDI }

// NonceI returns the initiator's nonce once known (after HELLO). Callers
// managing concurrent responder attempts key their transcript table by
// (peer_node_id, nonce_i), since a single peer may have more than one
// handshake attempt in flight at once.
func (h *Responder) NonceI() Nonce { return h.transcript.NonceI }

// HandleHello processes Message 1 HELLO and produces Message 2 RESPONSE.
func (h *Responder) HandleHello(f *frame.Frame) (*frame.Frame, error) {
	if h.state != StateIdle {
		return nil, fmt.Errorf("%w: HandleHello called in state %s", ErrUnexpectedMessage, h.state)
	}
	if h.expired() {
		h.state = StateFailed
		return nil, ErrHandshakeTimeout
	}

	body, err := unwrapFrame(f)
	if err != nil {
		return nil, err
	}
	mtype, err := messageType(body)
	if err != nil {
		return nil, err
	}
	if mtype != "HELLO" {
		return nil, fmt.Errorf("%w: expected HELLO, got %s", ErrUnexpectedMessage, mtype)
	}

	nodeIDIBytes, err := requireBytes(body, "node_id", identity.IDSize)
	if err != nil {
		return nil, err
	}
	nodeIDI, err := identity.FromBytes(nodeIDIBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	nonceIBytes, err := requireBytes(body, "nonce_i", NonceSize)
	if err != nil {
		return nil, err
	}
	timestamp, err := requireUint64(body, "timestamp")
	if err != nil {
		return nil, err
	}
	if _, err := requireBytes(body, "commitment", cryptoadapter.HashSize); err != nil {
		return nil, err
	}

	var nonceI Nonce
	copy(nonceI[:], nonceIBytes)
	h.transcript.NonceI = nonceI
	h.transcript.NodeIDI = nodeIDI
	h.transcript.NodeIDR = h.localID
	h.transcript.Timestamp = timestamp
	h.state = StateHelloReceived

	var nonceR Nonce
	if _, err := io.ReadFull(rand.Reader, nonceR[:]); err != nil {
		h.state = StateFailed
		return nil, fmt.Errorf("generate nonce_r: %w", err)
	}
	h.transcript.NonceR = nonceR

	challengePlain := append(append([]byte{}, nonceI[:]...), nonceR[:]...)
	challengeCT, meta, err := h.adapter.Encrypt(challengePlain, h.sharedSeed, challengeAD(nodeIDI, h.localID))
	if err != nil {
		h.state = StateFailed
		return nil, fmt.Errorf("encrypt challenge: %w", err)
	}

	out := tlv.Map{
		"type":        "RESPONSE",
		"node_id_r":   h.localID.Bytes(),
		"nonce_r":     nonceR[:],
		"challenge_ct": challengeCT,
		"meta":        tlv.Map(meta),
	}
	outFrame, err := wrapFrame(out, 1)
	if err != nil {
		h.state = StateFailed
		return nil, err
	}
	h.state = StateResponseSent
	return outFrame, nil
}

// HandleAuthProof processes Message 3 AUTH_PROOF and, on success,
// produces Message 4 FINAL and the session Result.
func (h *Responder) HandleAuthProof(f *frame.Frame) (*frame.Frame, *Result, error) {
	if h.state != StateResponseSent {
		return nil, nil, fmt.Errorf("%w: HandleAuthProof called in state %s", ErrUnexpectedMessage, h.state)
	}
	if h.expired() {
		h.state = StateFailed
		return nil, nil, ErrHandshakeTimeout
	}

	body, err := unwrapFrame(f)
	if err != nil {
		return nil, nil, err
	}
	mtype, err := messageType(body)
	if err != nil {
		return nil, nil, err
	}
	if mtype != "AUTH_PROOF" {
		return nil, nil, fmt.Errorf("%w: expected AUTH_PROOF, got %s", ErrUnexpectedMessage, mtype)
	}

	sidBytes, err := requireBytes(body, "session_id", 8)
	if err != nil {
		return nil, nil, err
	}
	proofCT, err := requireBytes(body, "proof_ct", 0)
	if err != nil {
		return nil, nil, err
	}
	meta2, err := requireMap(body, "meta2")
	if err != nil {
		return nil, nil, err
	}

	expected := DeriveSessionID(&h.transcript)
	if !bytesEqual(sidBytes, expected[:]) {
		h.state = StateFailed
		return nil, nil, ErrTranscriptMismatch
	}

	plaintext, err := h.adapter.Decrypt(proofCT, h.sharedSeed, cryptoadapter.Metadata(meta2), proofAD(expected))
	if err != nil || !bytesEqual(plaintext, expected[:]) {
		h.state = StateFailed
		return nil, nil, ErrBadProof
	}
	h.state = StateProofReceived

	key, err := DeriveSessionKey(h.adapter, &h.transcript)
	if err != nil {
		h.state = StateFailed
		return nil, nil, err
	}

	finalBody := tlv.Map{"type": "FINAL", "session_id": expected[:]}
	finalFrame, err := wrapFrame(finalBody, 2)
	if err != nil {
		h.state = StateFailed
		return nil, nil, err
	}
	h.state = StateEstablished

	return finalFrame, &Result{
		SessionID:   expected,
		SessionKey:  key,
		PeerNodeID:  h.transcript.NodeIDI,
		LocalNodeID: h.localID,
		Timestamp:   h.transcript.Timestamp,
		IsInitiator: false,
	}, nil
}

func (h *Responder) expired() bool {
	return !h.deadline.IsZero() && time.Now().After(h.deadline)
}

func bytesEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
