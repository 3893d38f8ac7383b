package session

import (
	"sync"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/handshake"
)

// Table is the node-wide registry of established sessions, shared across
// every connection-handling goroutine. Per spec §5, this shared map
// requires a lock rather than single-writer discipline since any
// goroutine may add or remove a session.
type Table struct {
	mu       sync.Mutex
	sessions map[handshake.SessionID]*Session
	max      int
}

// NewTable creates a session table capped at max concurrent sessions (0
// means unbounded).
func NewTable(max int) *Table {
	return &Table{
		sessions: make(map[handshake.SessionID]*Session),
		max:      max,
	}
}

// Add registers a newly-established session, failing with
// ErrResourceLimit if the table is at capacity.
func (t *Table) Add(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.max > 0 && len(t.sessions) >= t.max {
		return ErrResourceLimit
	}
	t.sessions[s.ID()] = s
	return nil
}

// Get looks up a session by its wire id.
func (t *Table) Get(id handshake.SessionID) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove drops a session from the table, e.g. once it reaches CLOSED.
func (t *Table) Remove(id handshake.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Len reports the number of tracked sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CloseAll closes every tracked session and empties the table.
func (t *Table) CloseAll() {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[handshake.SessionID]*Session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
