package handshake

import (
	"sync"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/identity"
)

// pendingKey identifies one in-flight responder-side attempt, per spec
// §4.4's concurrency note: pending transcripts are keyed by
// (peer_node_id, nonce_i) so late or retried messages belonging to a
// different attempt from the same or another peer cannot be mistaken
// for this one.
type pendingKey struct {
	peerNodeID identity.NodeID
	nonceI     Nonce
}

type pendingEntry struct {
	responder *Responder
	insertedAt time.Time
}

// Manager tracks concurrently in-flight responder-side handshake
// attempts at a node accepting multiple simultaneous inbound
// handshakes.
type Manager struct {
	mu      sync.Mutex
	pending map[pendingKey]*pendingEntry
	timeout time.Duration
}

// NewManager creates a handshake attempt registry. timeout bounds how
// long an attempt may remain pending before Sweep evicts it.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		pending: make(map[pendingKey]*pendingEntry),
		timeout: timeout,
	}
}

// Begin registers a freshly-started responder attempt for peerNodeID /
// nonceI. A second inbound HELLO for the same peer before ESTABLISHED
// is treated as a retry of a fresh handshake: any previous pending
// attempt from that peer is discarded and replaced.
func (m *Manager) Begin(peerNodeID identity.NodeID, nonceI Nonce, r *Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.pending {
		if k.peerNodeID == peerNodeID {
			delete(m.pending, k)
		}
	}
	m.pending[pendingKey{peerNodeID: peerNodeID, nonceI: nonceI}] = &pendingEntry{
		responder:  r,
		insertedAt: time.Now(),
	}
}

// Lookup returns the pending attempt for peerNodeID/nonceI, if any.
func (m *Manager) Lookup(peerNodeID identity.NodeID, nonceI Nonce) (*Responder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[pendingKey{peerNodeID: peerNodeID, nonceI: nonceI}]
	if !ok {
		return nil, false
	}
	return e.responder, true
}

// Forget removes a completed or failed attempt from the registry.
func (m *Manager) Forget(peerNodeID identity.NodeID, nonceI Nonce) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, pendingKey{peerNodeID: peerNodeID, nonceI: nonceI})
}

// Sweep evicts attempts older than the manager's timeout and returns
// how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-m.timeout)
	for k, e := range m.pending {
		if e.insertedAt.Before(cutoff) {
			delete(m.pending, k)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of currently pending attempts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
