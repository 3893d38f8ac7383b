// Package session implements the established, keyed channel between two
// nodes: key rotation, stream multiplexing, and lifecycle/statistics
// tracking, built on a completed handshake.Result.
package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/frame"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/handshake"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/identity"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/stream"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/tlv"
)

// State is a session's lifecycle position.
type State int

const (
	StateEstablished State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Stats is a point-in-time snapshot of session activity, returned by
// Statistics.
type Stats struct {
	BytesSent      uint64
	BytesReceived  uint64
	FramesSent     uint64
	FramesReceived uint64
	Age            time.Duration
	Idle           time.Duration
	Active         bool
}

// Config bundles the tunables a session needs beyond the handshake
// result itself.
type Config struct {
	Thresholds        RotationThresholds
	Grace             time.Duration
	MaxStreams        int
	DefaultWindow     uint64
	StreamIdleTimeout time.Duration
	InitialCredit     uint64
}

// DefaultConfig returns spec-illustrative defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:        DefaultRotationThresholds(),
		Grace:             DefaultRotationGrace,
		MaxStreams:        256,
		DefaultWindow:     stream.DefaultReceiveWindow,
		StreamIdleTimeout: stream.DefaultIdleTimeout,
		InitialCredit:     stream.DefaultReceiveWindow,
	}
}

// Session is the established, keyed channel between two nodes. It owns
// the current/previous key material, the session's streams, and its
// rotation and lifecycle bookkeeping. A Session is safe for concurrent
// use: a mutex guards its state. In internal/node, one read pump per
// connection handles every inbound frame, while application goroutines
// send, open streams and rotate concurrently.
type Session struct {
	mu sync.Mutex

	id          handshake.SessionID
	peerNodeID  identity.NodeID
	localNodeID identity.NodeID
	adapter     cryptoadapter.Adapter

	currentKey           []byte
	previousKey          []byte
	previousKeyExpiresAt time.Time
	grace                time.Duration

	thresholds           RotationThresholds
	bytesSinceRotation   uint64
	framesSinceRotation  uint64
	rotationStartedAt    time.Time
	controlSeq           uint64

	stats        Stats
	createdAt    time.Time
	lastActivity time.Time
	state        State

	streams      map[uint64]*stream.Stream
	nextStreamID uint64
	maxStreams   int

	defaultWindow     uint64
	streamIdleTimeout time.Duration
	initialCredit     uint64
}

// New builds a Session from a completed handshake result.
func New(result *handshake.Result, adapter cryptoadapter.Adapter, cfg Config) *Session {
	now := time.Now()
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultRotationGrace
	}
	return &Session{
		id:                result.SessionID,
		peerNodeID:        result.PeerNodeID,
		localNodeID:       result.LocalNodeID,
		adapter:           adapter,
		currentKey:        result.SessionKey,
		grace:             cfg.Grace,
		thresholds:        cfg.Thresholds,
		rotationStartedAt: now,
		createdAt:         now,
		lastActivity:      now,
		state:             StateEstablished,
		streams:           make(map[uint64]*stream.Stream),
		nextStreamID:      initialStreamID(result.IsInitiator),
		maxStreams:        cfg.MaxStreams,
		defaultWindow:     cfg.DefaultWindow,
		streamIdleTimeout: cfg.StreamIdleTimeout,
		initialCredit:     cfg.InitialCredit,
	}
}

// ID returns the session's public demultiplexing identifier.
func (s *Session) ID() handshake.SessionID { return s.id }

// PeerNodeID returns the remote node's identity.
func (s *Session) PeerNodeID() identity.NodeID { return s.peerNodeID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// --- stream.KeyProvider ---

// CurrentKey returns the active session key. A Stream never copies this
// slice into its own state — it calls this accessor at encrypt/decrypt
// time, so a rotation is visible to every stream immediately.
func (s *Session) CurrentKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentKey
}

// PreviousKey returns the rotated-out key and whether it is still within
// its grace window.
func (s *Session) PreviousKey() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.previousKey == nil || time.Now().After(s.previousKeyExpiresAt) {
		return nil, false
	}
	return s.previousKey, true
}

// SessionID returns the 8-byte wire session id.
func (s *Session) SessionID() [frame.SessionIDSize]byte {
	return [frame.SessionIDSize]byte(s.id)
}

// RecordSent accounts for nBytes of ciphertext sent on some stream of
// this session, and advances the rotation counters.
func (s *Session) RecordSent(nBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesSent += uint64(nBytes)
	s.stats.FramesSent++
	s.bytesSinceRotation += uint64(nBytes)
	s.framesSinceRotation++
	s.lastActivity = time.Now()
}

// RecordReceived accounts for nBytes of ciphertext received on some
// stream of this session, and advances the rotation counters.
func (s *Session) RecordReceived(nBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesReceived += uint64(nBytes)
	s.stats.FramesReceived++
	s.bytesSinceRotation += uint64(nBytes)
	s.framesSinceRotation++
	s.lastActivity = time.Now()
}

// --- streams ---

// initialStreamID partitions the stream id namespace by handshake role,
// the same way transport.StreamIDAllocator partitions transport-level
// stream ids: the initiator uses odd ids, the responder even ones, so
// both sides can open streams concurrently without colliding. Id 0
// stays reserved for session-level control.
func initialStreamID(isInitiator bool) uint64 {
	if isInitiator {
		return 1
	}
	return 2
}

// OpenStream allocates a new stream with the next id in this side's
// parity (odd for the handshake initiator, even for the responder).
func (s *Session) OpenStream() (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrSessionClosed
	}
	if s.maxStreams > 0 && len(s.streams) >= s.maxStreams {
		return nil, ErrResourceLimit
	}
	id := s.nextStreamID
	s.nextStreamID += 2
	st := stream.New(id, s, s.adapter, s.defaultWindow, s.streamIdleTimeout, s.initialCredit)
	s.streams[id] = st
	return st, nil
}

// AdoptStream registers a stream opened by the peer (its id carries the
// peer's parity) the first time a frame for an unrecognized stream id
// arrives, mirroring OpenStream's construction but without consuming a
// local id.
func (s *Session) AdoptStream(id uint64) (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrSessionClosed
	}
	if st, ok := s.streams[id]; ok {
		return st, nil
	}
	if s.maxStreams > 0 && len(s.streams) >= s.maxStreams {
		return nil, ErrResourceLimit
	}
	st := stream.New(id, s, s.adapter, s.defaultWindow, s.streamIdleTimeout, s.initialCredit)
	s.streams[id] = st
	return st, nil
}

// Stream returns a previously-opened stream by id.
func (s *Session) Stream(id uint64) (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return st, nil
}

// CloseStream closes and forgets one stream.
func (s *Session) CloseStream(id uint64) error {
	s.mu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if !ok {
		return ErrStreamNotFound
	}
	return st.Close()
}

// --- rotation ---

func (s *Session) rotateLocked() (*frame.Frame, error) {
	if s.previousKey != nil && time.Now().Before(s.previousKeyExpiresAt) {
		return nil, ErrRotationInProgress
	}

	var nonce [32]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("session: generate rotation nonce: %w", err)
	}
	newKey, err := s.adapter.RotateKey(s.currentKey, nonce[:])
	if err != nil {
		return nil, fmt.Errorf("session: rotate key: %w", err)
	}

	// The announcement must still be readable by a peer that has not yet
	// rotated, so it is sealed under the outgoing (soon-to-be-previous)
	// key, never the new one.
	announceKey := s.currentKey

	s.previousKey = s.currentKey
	s.previousKeyExpiresAt = time.Now().Add(s.grace)
	s.currentKey = newKey
	s.bytesSinceRotation = 0
	s.framesSinceRotation = 0
	s.rotationStartedAt = time.Now()

	body := tlv.Map{"type": "KEY_ROTATION", "rotation_nonce": nonce[:]}
	payload, err := tlv.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("session: encode rotation control: %w", err)
	}
	f := &frame.Frame{
		Type:      frame.TypeControl,
		SessionID: [frame.SessionIDSize]byte(s.id),
		StreamID:  0,
		Sequence:  s.controlSeq,
	}
	s.controlSeq++
	if err := frame.EncryptInto(f, payload, announceKey, s.adapter); err != nil {
		return nil, fmt.Errorf("session: seal rotation control: %w", err)
	}
	return f, nil
}

// RotateNow forces an immediate key rotation, returning the CONTROL
// frame that must be delivered to the peer so it can derive the
// matching key. It fails with ErrRotationInProgress if a previous
// rotation's grace window has not yet elapsed.
func (s *Session) RotateNow() (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrSessionClosed
	}
	return s.rotateLocked()
}

// MaybeRotate checks the rotation thresholds and, if crossed, rotates
// and returns the announcement frame to deliver to the peer. It never
// returns an error for "not due yet" — only for an actual rotation
// failure once thresholds are crossed.
func (s *Session) MaybeRotate() (*frame.Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, false, nil
	}
	elapsed := time.Since(s.rotationStartedAt)
	crossed := s.bytesSinceRotation >= s.thresholds.MaxBytes ||
		s.framesSinceRotation >= s.thresholds.MaxFrames ||
		elapsed >= s.thresholds.MaxAge
	if !crossed {
		return nil, false, nil
	}
	if s.previousKey != nil && time.Now().Before(s.previousKeyExpiresAt) {
		// A rotation is already mid-grace; defer until it clears.
		return nil, false, nil
	}
	f, err := s.rotateLocked()
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// HandleControlFrame processes an inbound CONTROL frame. The only
// defined message today is KEY_ROTATION, announcing the nonce the peer
// used to derive its new key so this side can derive the identical one.
func (s *Session) HandleControlFrame(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return ErrSessionClosed
	}
	if f.Type != frame.TypeControl {
		return fmt.Errorf("%w: frame type %s", ErrMalformedControl, f.Type)
	}

	pt, err := frame.DecryptFrom(f, s.currentKey, s.adapter)
	if err != nil {
		if s.previousKey != nil && time.Now().Before(s.previousKeyExpiresAt) {
			pt, err = frame.DecryptFrom(f, s.previousKey, s.adapter)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedControl, err)
		}
	}

	v, n, err := tlv.Decode(pt)
	if err != nil || n != len(pt) {
		return fmt.Errorf("%w: decode body", ErrMalformedControl)
	}
	body, ok := v.(tlv.Map)
	if !ok {
		return fmt.Errorf("%w: body is not a map", ErrMalformedControl)
	}
	typ, _ := body["type"].(string)
	if typ != "KEY_ROTATION" {
		return fmt.Errorf("%w: unknown control type %q", ErrMalformedControl, typ)
	}
	nonce, ok := body["rotation_nonce"].([]byte)
	if !ok || len(nonce) == 0 {
		return fmt.Errorf("%w: missing rotation_nonce", ErrMalformedControl)
	}

	newKey, err := s.adapter.RotateKey(s.currentKey, nonce)
	if err != nil {
		return fmt.Errorf("session: rotate key: %w", err)
	}
	s.previousKey = s.currentKey
	s.previousKeyExpiresAt = time.Now().Add(s.grace)
	s.currentKey = newKey
	s.bytesSinceRotation = 0
	s.framesSinceRotation = 0
	s.rotationStartedAt = time.Now()
	return nil
}

// BuildCreditFrame seals a STREAM_CONTROL frame granting the peer amount
// additional bytes of send credit on streamID, to be delivered back to
// the peer whenever this side frees up receive-window space for that
// stream (see stream.Stream.ReplenishCredit).
func (s *Session) BuildCreditFrame(streamID uint64, amount uint64) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrSessionClosed
	}

	body := tlv.Map{"type": "CREDIT", "amount": amount}
	payload, err := tlv.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("session: encode credit control: %w", err)
	}
	f := &frame.Frame{
		Type:      frame.TypeStreamControl,
		SessionID: [frame.SessionIDSize]byte(s.id),
		StreamID:  streamID,
		Sequence:  s.controlSeq,
	}
	s.controlSeq++
	if err := frame.EncryptInto(f, payload, s.currentKey, s.adapter); err != nil {
		return nil, fmt.Errorf("session: seal credit control: %w", err)
	}
	return f, nil
}

// HandleStreamControlFrame processes an inbound STREAM_CONTROL frame.
// The only defined message today is CREDIT, replenishing the named
// stream's outbound send allowance.
func (s *Session) HandleStreamControlFrame(f *frame.Frame) error {
	if f.Type != frame.TypeStreamControl {
		return fmt.Errorf("%w: frame type %s", ErrMalformedControl, f.Type)
	}

	s.mu.Lock()
	if s.state != StateEstablished {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	st, ok := s.streams[f.StreamID]
	currentKey := s.currentKey
	previousKey := s.previousKey
	previousKeyExpiresAt := s.previousKeyExpiresAt
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown stream %d", ErrMalformedControl, f.StreamID)
	}

	pt, err := frame.DecryptFrom(f, currentKey, s.adapter)
	if err != nil {
		if previousKey != nil && time.Now().Before(previousKeyExpiresAt) {
			pt, err = frame.DecryptFrom(f, previousKey, s.adapter)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedControl, err)
		}
	}

	v, n, err := tlv.Decode(pt)
	if err != nil || n != len(pt) {
		return fmt.Errorf("%w: decode body", ErrMalformedControl)
	}
	body, ok := v.(tlv.Map)
	if !ok {
		return fmt.Errorf("%w: body is not a map", ErrMalformedControl)
	}
	typ, _ := body["type"].(string)
	if typ != "CREDIT" {
		return fmt.Errorf("%w: unknown stream control type %q", ErrMalformedControl, typ)
	}
	amount, ok := body["amount"].(uint64)
	if !ok {
		return fmt.Errorf("%w: missing amount", ErrMalformedControl)
	}

	st.ReplenishCredit(amount)
	return nil
}

// --- lifecycle ---

// Close transitions the session through CLOSING to CLOSED, closing every
// open stream.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	streams := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[uint64]*stream.Stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return nil
}

// Statistics returns a snapshot of the session's activity.
func (s *Session) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	return Stats{
		BytesSent:      s.stats.BytesSent,
		BytesReceived:  s.stats.BytesReceived,
		FramesSent:     s.stats.FramesSent,
		FramesReceived: s.stats.FramesReceived,
		Age:            now.Sub(s.createdAt),
		Idle:           now.Sub(s.lastActivity),
		Active:         s.state == StateEstablished,
	}
}
