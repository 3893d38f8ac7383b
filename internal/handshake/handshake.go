// Package handshake implements the four-message mutual-authentication
// state machine that establishes a session between two nodes sharing a
// pre-distributed seed, without any online key agreement or PKI.
package handshake

import (
	"fmt"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/frame"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/identity"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/tlv"
)

// State is a position in the handshake state machine.
type State int

const (
	StateIdle State = iota
	StateHelloSent
	StateHelloReceived
	StateResponseSent
	StateResponseReceived
	StateProofSent
	StateProofReceived
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHelloSent:
		return "HELLO_SENT"
	case StateHelloReceived:
		return "HELLO_RECEIVED"
	case StateResponseSent:
		return "RESPONSE_SENT"
	case StateResponseReceived:
		return "RESPONSE_RECEIVED"
	case StateProofSent:
		return "PROOF_SENT"
	case StateProofReceived:
		return "PROOF_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// DefaultTimeout is the overall deadline for one handshake attempt to
// reach ESTABLISHED, per spec default.
const DefaultTimeout = 10 * time.Second

// NonceSize is the width of a handshake nonce, per spec §3.1.
const NonceSize = 32

// Nonce is 32 bytes of uniform randomness, generated per attempt and
// never reused.
type Nonce [NonceSize]byte

// Transcript is the ephemeral record a peer keeps for the duration of
// one handshake attempt. It is destroyed (by simply being dropped) the
// moment the session key is derived or the attempt fails.
type Transcript struct {
	NonceI     Nonce
	NonceR     Nonce
	NodeIDI    identity.NodeID
	NodeIDR    identity.NodeID
	Timestamp  uint64
	Commitment [cryptoadapter.HashSize]byte
}

// SessionID is the 8-byte public demultiplexing identifier computed
// from a completed transcript.
type SessionID [8]byte

// DeriveSessionID computes session_id = XOR(nonce_i, nonce_r, node_id_i,
// node_id_r)[:8]. Both peers compute the same value since every input
// is already 32 bytes and XOR is commutative.
func DeriveSessionID(t *Transcript) SessionID {
	var acc [32]byte
	xorInto(&acc, t.NonceI[:])
	xorInto(&acc, t.NonceR[:])
	xorInto(&acc, t.NodeIDI[:])
	xorInto(&acc, t.NodeIDR[:])
	var sid SessionID
	copy(sid[:], acc[:8])
	return sid
}

func xorInto(acc *[32]byte, b []byte) {
	for i := 0; i < 32 && i < len(b); i++ {
		acc[i] ^= b[i]
	}
}

// DeriveSessionKey derives the shared session key from a completed
// transcript. derive_key is deterministic so both peers obtain the
// same key from the same transcript fields.
func DeriveSessionKey(adapter cryptoadapter.Adapter, t *Transcript) ([]byte, error) {
	ctx := tlv.Map{
		"purpose":    "session_key",
		"nonce_i":    t.NonceI[:],
		"nonce_r":    t.NonceR[:],
		"node_id_i":  t.NodeIDI.Bytes(),
		"node_id_r":  t.NodeIDR.Bytes(),
		"timestamp":  t.Timestamp,
	}
	key, err := adapter.DeriveKey(ctx, 32)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Result is returned to the caller once a handshake attempt reaches
// ESTABLISHED.
type Result struct {
	SessionID   SessionID
	SessionKey  []byte
	PeerNodeID  identity.NodeID
	LocalNodeID identity.NodeID
	Timestamp   uint64

	// IsInitiator is true for the side that sent HELLO. Session stream
	// ids are partitioned by this flag the same way
	// transport.StreamIDAllocator partitions transport-level stream ids,
	// so two peers opening streams concurrently never collide.
	IsInitiator bool
}

func challengeAD(nodeIDI, nodeIDR identity.NodeID) tlv.Map {
	return tlv.Map{
		"purpose":   "handshake_challenge",
		"node_id_i": nodeIDI.Bytes(),
		"node_id_r": nodeIDR.Bytes(),
	}
}

func proofAD(sid SessionID) tlv.Map {
	return tlv.Map{
		"purpose":    "auth_proof",
		"session_id": sid[:],
	}
}

// wrapFrame builds a HANDSHAKE frame carrying body as its cleartext
// TLV-encoded payload. Handshake frames always use the zero session id
// and stream 0, and are never encrypted at the frame layer — the
// authentication happens inside the handshake body itself.
func wrapFrame(body tlv.Map, sequence uint64) (*frame.Frame, error) {
	payload, err := tlv.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode body: %v", ErrMalformedMessage, err)
	}
	return &frame.Frame{
		Type:      frame.TypeHandshake,
		SessionID: frame.ZeroSessionID,
		StreamID:  0,
		Sequence:  sequence,
		Payload:   payload,
	}, nil
}

func unwrapFrame(f *frame.Frame) (tlv.Map, error) {
	if f.Type != frame.TypeHandshake {
		return nil, fmt.Errorf("%w: frame type %s", ErrUnexpectedMessage, f.Type)
	}
	v, n, err := tlv.Decode(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrMalformedMessage, err)
	}
	if n != len(f.Payload) {
		return nil, fmt.Errorf("%w: trailing bytes in body", ErrMalformedMessage)
	}
	m, ok := v.(tlv.Map)
	if !ok {
		return nil, fmt.Errorf("%w: body is not a map", ErrMalformedMessage)
	}
	return m, nil
}

func messageType(m tlv.Map) (string, error) {
	v, ok := m["type"]
	if !ok {
		return "", fmt.Errorf("%w: missing type field", ErrMalformedMessage)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: type field is not a string", ErrMalformedMessage)
	}
	return s, nil
}

func requireBytes(m tlv.Map, key string, size int) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedMessage, key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not bytes", ErrMalformedMessage, key)
	}
	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("%w: %s has length %d, want %d", ErrMalformedMessage, key, len(b), size)
	}
	return b, nil
}

func requireUint64(m tlv.Map, key string) (uint64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedMessage, key)
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("%w: %s is negative", ErrMalformedMessage, key)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("%w: %s is not an integer", ErrMalformedMessage, key)
	}
}

func requireMap(m tlv.Map, key string) (tlv.Map, error) {
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedMessage, key)
	}
	sub, ok := v.(tlv.Map)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a map", ErrMalformedMessage, key)
	}
	return sub, nil
}
