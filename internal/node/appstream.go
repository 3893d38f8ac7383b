package node

import (
	"io"
	"sync"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/stream"
)

// AppStream is the application-facing handle for one multiplexed stream:
// it bridges stream.Stream's segmented Send/Receive calls to the Conn's
// shared wire and to an application reading/writing plain io.Reader/
// io.Writer-shaped bytes, same as transport.Stream's own shape one layer
// down.
type AppStream struct {
	conn *Conn
	st   *stream.Stream

	inbox chan []byte

	mu  sync.Mutex
	buf []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newAppStream(conn *Conn, st *stream.Stream) *AppStream {
	return &AppStream{
		conn:   conn,
		st:     st,
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// ID returns the stream's session-scoped identifier.
func (a *AppStream) ID() uint64 { return a.st.ID() }

// Write segments p into one or more DATA frames via the underlying
// stream and forwards each pre-encoded frame onto the connection's
// shared session stream, serialized against concurrent writes from
// every other stream of the same connection by Conn's write mutex.
func (a *AppStream) Write(p []byte) (int, error) {
	wires, err := a.st.Send(a.conn.ctx, p)
	if err != nil {
		return 0, err
	}
	for _, wire := range wires {
		if err := a.conn.writeEncoded(wire); err != nil {
			return 0, err
		}
	}
	a.conn.node.metrics.RecordFrameSent("data")
	a.conn.node.metrics.RecordBytesSent("stream", len(p))
	a.conn.maybeRotate()
	return len(p), nil
}

// Read returns previously-delivered, in-order plaintext, blocking until
// data arrives, the stream closes, or the connection is torn down.
func (a *AppStream) Read(p []byte) (int, error) {
	a.mu.Lock()
	if len(a.buf) > 0 {
		n := copy(p, a.buf)
		a.buf = a.buf[n:]
		a.mu.Unlock()
		a.conn.sendStreamCredit(a.ID(), n)
		return n, nil
	}
	a.mu.Unlock()

	select {
	case chunk, ok := <-a.inbox:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, chunk)
		if n < len(chunk) {
			a.mu.Lock()
			a.buf = append(a.buf, chunk[n:]...)
			a.mu.Unlock()
		}
		a.conn.node.metrics.RecordFrameReceived("data")
		a.conn.node.metrics.RecordBytesReceived("stream", n)
		a.conn.sendStreamCredit(a.ID(), n)
		return n, nil
	case <-a.closed:
		return 0, io.EOF
	}
}

// deliver hands plaintext reassembled by the underlying stream to a
// waiting or future Read call. Called only from Conn.readPump.
func (a *AppStream) deliver(plaintext []byte) {
	select {
	case a.inbox <- plaintext:
	case <-a.closed:
	}
}

// Statistics returns the underlying stream's activity snapshot.
func (a *AppStream) Statistics() stream.Stats { return a.st.Statistics() }

// Close closes this stream. The session is unaffected; other streams on
// the same connection keep running.
func (a *AppStream) Close() error {
	a.closeLocal()
	a.conn.mu.Lock()
	delete(a.conn.appStreams, a.st.ID())
	a.conn.mu.Unlock()
	err := a.conn.session.CloseStream(a.st.ID())
	a.conn.node.metrics.RecordStreamClose()
	return err
}

// closeLocal unblocks any pending Read/deliver without touching the
// session's stream table — used when the whole Conn is tearing down and
// the session itself already closes every stream.
func (a *AppStream) closeLocal() {
	a.closeOnce.Do(func() { close(a.closed) })
}
