// Package stream implements one multiplexed, ordered byte stream inside
// a session: sequence assignment, out-of-order reassembly bounded by a
// receive window, and credit-based flow control.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/frame"
)

// DefaultReceiveWindow is the default bound, in bytes, on buffered
// out-of-order data awaiting reassembly.
const DefaultReceiveWindow = 64 * 1024

// DefaultIdleTimeout is how long a stream may go without activity before
// it is considered expired.
const DefaultIdleTimeout = 5 * time.Minute

// DefaultMaxChunkPayload bounds a single Send call's payload before it is
// segmented into multiple frames.
const DefaultMaxChunkPayload = 1 << 20 // 1 MiB

// KeyProvider is implemented by the owning session. A Stream never holds
// a copy of the session key — only this reference — so a key rotation on
// the session is visible to every stream immediately, with no stale copy
// to invalidate.
type KeyProvider interface {
	CurrentKey() []byte
	PreviousKey() (key []byte, valid bool)
	SessionID() [frame.SessionIDSize]byte
	RecordSent(nBytes int)
	RecordReceived(nBytes int)
}

// State is the lifecycle position of a stream.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "CLOSED"
	}
	return "OPEN"
}

// Stats is a point-in-time snapshot of a stream's activity, returned by
// Statistics.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	FramesSent    uint64
	FramesReceived uint64
	Age           time.Duration
	Idle          time.Duration
	Active        bool
}

// Stream is one ordered, flow-controlled byte stream multiplexed over a
// session.
type Stream struct {
	id      uint64
	keys    KeyProvider
	adapter cryptoadapter.Adapter
	cryptoCtx *cryptoadapter.StreamContext

	window      uint64
	idleTimeout time.Duration

	mu          sync.Mutex
	state       State
	createdAt   time.Time
	lastActivity time.Time

	sendSeq    uint64
	sendCredit uint64
	creditCh   chan struct{}

	expectedSeq    uint64
	oooBuffer      map[uint64][]byte
	oooBufferBytes uint64

	bytesSent     uint64
	bytesReceived uint64
	framesSent    uint64
	framesReceived uint64
}

// New creates a stream bound to id (0 is reserved for session-level
// control and must not be passed here) on top of keys, using window as
// the receive reassembly bound and idleTimeout as the expiry threshold.
// initialCredit is the peer-advertised send allowance.
func New(id uint64, keys KeyProvider, adapter cryptoadapter.Adapter, window uint64, idleTimeout time.Duration, initialCredit uint64) *Stream {
	if window == 0 {
		window = DefaultReceiveWindow
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	now := time.Now()
	return &Stream{
		id:           id,
		keys:         keys,
		adapter:      adapter,
		cryptoCtx:    cryptoadapter.NewStreamContext(adapter, id),
		window:       window,
		idleTimeout:  idleTimeout,
		state:        StateOpen,
		createdAt:    now,
		lastActivity: now,
		expectedSeq:  0,
		oooBuffer:    make(map[uint64][]byte),
		sendCredit:   initialCredit,
		creditCh:     make(chan struct{}),
	}
}

// ID returns the stream's identifier.
func (s *Stream) ID() uint64 { return s.id }

func (s *Stream) isExpiredLocked(now time.Time) bool {
	return now.Sub(s.lastActivity) > s.idleTimeout
}

// Send encrypts payload into one or more DATA frames and returns their
// wire-encoded bytes, ready to hand to a transport. Large payloads are
// segmented at DefaultMaxChunkPayload boundaries, each chunk becoming its
// own frame with its own monotonic sequence number. Each frame also
// advances the per-stream crypto context's send chunk-index counter; that
// counter is not carried in the frame.
func (s *Stream) Send(ctx context.Context, payload []byte) ([][]byte, error) {
	var out [][]byte
	for off := 0; off < len(payload) || (len(payload) == 0 && off == 0); {
		end := off + DefaultMaxChunkPayload
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]

		if err := s.waitForCredit(ctx, uint64(len(chunk))); err != nil {
			return nil, err
		}

		wire, err := s.sendOne(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, wire)

		if len(payload) == 0 {
			break
		}
		off = end
	}
	return out, nil
}

func (s *Stream) sendOne(chunk []byte) ([]byte, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	now := time.Now()
	if s.isExpiredLocked(now) {
		s.mu.Unlock()
		return nil, ErrStreamExpired
	}
	if s.sendSeq == ^uint64(0) {
		s.mu.Unlock()
		return nil, ErrSequenceOverflow
	}

	seq := s.sendSeq
	s.sendSeq++
	s.sendCredit -= uint64(len(chunk))
	s.cryptoCtx.NextSendChunkIndex()
	s.mu.Unlock()

	f := &frame.Frame{
		Type:      frame.TypeData,
		SessionID: s.keys.SessionID(),
		StreamID:  s.id,
		Sequence:  seq,
	}
	if err := frame.EncryptInto(f, chunk, s.keys.CurrentKey(), s.adapter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	wire, err := f.Encode()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.bytesSent += uint64(len(chunk))
	s.framesSent++
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.keys.RecordSent(len(f.Payload))
	return wire, nil
}

// waitForCredit blocks until at least need bytes of send credit are
// available, the stream closes, or ctx is done. This is one of the
// session's named suspension points: awaiting flow-control credit.
func (s *Stream) waitForCredit(ctx context.Context, need uint64) error {
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return ErrStreamClosed
		}
		if s.sendCredit >= need {
			s.mu.Unlock()
			return nil
		}
		ch := s.creditCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReplenishCredit increases the stream's outbound send allowance, as
// driven by an inbound STREAM_CONTROL credit frame.
func (s *Stream) ReplenishCredit(n uint64) {
	s.mu.Lock()
	s.sendCredit += n
	ch := s.creditCh
	s.creditCh = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

// Receive processes one inbound DATA frame for this stream. It returns
// the in-order bytes now ready for delivery (possibly the concatenation
// of this frame with previously-buffered frames that are now contiguous),
// or (nil, nil) if f was out-of-order and has been buffered pending
// earlier frames.
func (s *Stream) Receive(f *frame.Frame) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, ErrStreamClosed
	}
	now := time.Now()
	if s.isExpiredLocked(now) {
		return nil, ErrStreamExpired
	}

	plaintext, err := s.decryptLocked(f)
	if err != nil {
		return nil, err
	}

	s.lastActivity = now
	s.framesReceived++
	s.bytesReceived += uint64(len(plaintext))
	s.keys.RecordReceived(len(f.Payload))

	seq := f.Sequence
	if seq < s.expectedSeq {
		return nil, ErrDuplicateSequence
	}
	if seq == s.expectedSeq {
		out := plaintext
		s.expectedSeq++
		for {
			buffered, ok := s.oooBuffer[s.expectedSeq]
			if !ok {
				break
			}
			delete(s.oooBuffer, s.expectedSeq)
			s.oooBufferBytes -= uint64(len(buffered))
			out = append(out, buffered...)
			s.expectedSeq++
		}
		return out, nil
	}

	// Out of order: buffer it, bounded by the receive window.
	if _, exists := s.oooBuffer[seq]; exists {
		return nil, ErrDuplicateSequence
	}
	if s.oooBufferBytes+uint64(len(plaintext)) > s.window {
		return nil, ErrWindowExceeded
	}
	s.oooBuffer[seq] = plaintext
	s.oooBufferBytes += uint64(len(plaintext))
	return nil, nil
}

// decryptLocked tries the current session key first, falling back to the
// previous key during a rotation's grace window, so frames sequenced
// just before a rotation still decrypt correctly.
func (s *Stream) decryptLocked(f *frame.Frame) ([]byte, error) {
	pt, err := frame.DecryptFrom(f, s.keys.CurrentKey(), s.adapter)
	if err == nil {
		return pt, nil
	}
	if prevKey, ok := s.keys.PreviousKey(); ok {
		if pt2, err2 := frame.DecryptFrom(f, prevKey, s.adapter); err2 == nil {
			return pt2, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
}

// Close marks the stream closed. Further Send/Receive calls fail with
// ErrStreamClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	ch := s.creditCh
	s.mu.Unlock()
	close(ch)
	return nil
}

// Statistics returns a snapshot of the stream's activity counters.
func (s *Stream) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	return Stats{
		BytesSent:      s.bytesSent,
		BytesReceived:  s.bytesReceived,
		FramesSent:     s.framesSent,
		FramesReceived: s.framesReceived,
		Age:            now.Sub(s.createdAt),
		Idle:           now.Sub(s.lastActivity),
		Active:         s.state == StateOpen,
	}
}
