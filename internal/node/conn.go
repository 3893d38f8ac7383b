package node

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/frame"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/handshake"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/identity"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/logging"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/recovery"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/session"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/stream"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/transport"
)

// Conn is one established connection to a peer: a transport.PeerConn, the
// single dedicated transport.Stream that carries every multiplexed
// logical stream's frames, and the session.Session those frames are
// addressed to. All multiplexing above the transport layer happens
// through frame.Frame.StreamID on this one stream, not through the
// transport's own OpenStream/AcceptStream (those were spent establishing
// this Conn's session stream itself).
type Conn struct {
	node     *Node
	peerConn transport.PeerConn
	stream   transport.Stream
	session  *session.Session

	writeMu sync.Mutex

	mu             sync.Mutex
	appStreams     map[uint64]*AppStream
	acceptStreamCh chan *AppStream

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	closeOnce sync.Once
}

func newConn(n *Node, peerConn transport.PeerConn, strm transport.Stream, sess *session.Session) *Conn {
	ctx, cancel := context.WithCancel(n.ctx)
	backlog := n.cfg.SessionConfig.MaxStreams
	if backlog <= 0 {
		backlog = 256
	}
	return &Conn{
		node:           n,
		peerConn:       peerConn,
		stream:         strm,
		session:        sess,
		appStreams:     make(map[uint64]*AppStream),
		acceptStreamCh: make(chan *AppStream, backlog),
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}
}

func (c *Conn) start() {
	c.node.wg.Add(1)
	go c.readPump()
}

// PeerNodeID returns the remote peer's proven identity.
func (c *Conn) PeerNodeID() identity.NodeID { return c.session.PeerNodeID() }

// SessionID returns the session's wire demultiplexing id.
func (c *Conn) SessionID() handshake.SessionID { return c.session.ID() }

func (c *Conn) LocalAddr() net.Addr  { return c.peerConn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.peerConn.RemoteAddr() }

// Statistics returns the underlying session's activity snapshot.
func (c *Conn) Statistics() session.Stats { return c.session.Statistics() }

// RotateNow forces an immediate session key rotation and delivers the
// announcement to the peer over the shared session stream.
func (c *Conn) RotateNow() error {
	f, err := c.session.RotateNow()
	if err != nil {
		return err
	}
	return c.sendRotation(f)
}

func (c *Conn) sendRotation(f *frame.Frame) error {
	if err := c.writeFrame(f); err != nil {
		return err
	}
	c.node.metrics.RecordSessionRotation()
	return nil
}

// maybeRotate checks the session's automatic rotation thresholds after
// every send/receive and delivers the announcement if one fired. This is
// the only call site for session.MaybeRotate in the running system — the
// manual path is RotateNow.
func (c *Conn) maybeRotate() {
	f, rotated, err := c.session.MaybeRotate()
	if err != nil {
		c.node.logger.Warn("automatic rotation failed",
			logging.KeySessionID, fmt.Sprintf("%x", c.session.ID()), logging.KeyError, err.Error())
		return
	}
	if !rotated {
		return
	}
	if err := c.sendRotation(f); err != nil {
		c.node.logger.Warn("failed to deliver rotation announcement",
			logging.KeySessionID, fmt.Sprintf("%x", c.session.ID()), logging.KeyError, err.Error())
	}
}

// sendStreamCredit replenishes the peer's send allowance on streamID by
// n bytes, called once the application has actually consumed that much
// data out of the stream's receive side.
func (c *Conn) sendStreamCredit(streamID uint64, n int) {
	if n <= 0 {
		return
	}
	f, err := c.session.BuildCreditFrame(streamID, uint64(n))
	if err != nil {
		c.node.logger.Warn("build credit frame failed",
			logging.KeySessionID, fmt.Sprintf("%x", c.session.ID()), logging.KeyError, err.Error())
		return
	}
	if err := c.writeFrame(f); err != nil {
		c.node.logger.Warn("send credit frame failed",
			logging.KeySessionID, fmt.Sprintf("%x", c.session.ID()), logging.KeyError, err.Error())
	}
}

// OpenStream allocates a new application-facing multiplexed stream.
func (c *Conn) OpenStream() (*AppStream, error) {
	st, err := c.session.OpenStream()
	if err != nil {
		return nil, err
	}
	c.node.metrics.RecordStreamOpen(0)
	return c.registerStream(st), nil
}

// AcceptStream waits for the peer to open a stream on this connection.
func (c *Conn) AcceptStream(ctx context.Context) (*AppStream, error) {
	select {
	case as, ok := <-c.acceptStreamCh:
		if !ok {
			return nil, ErrConnClosed
		}
		return as, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrConnClosed
	}
}

func (c *Conn) registerStream(st *stream.Stream) *AppStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if as, ok := c.appStreams[st.ID()]; ok {
		return as
	}
	as := newAppStream(c, st)
	c.appStreams[st.ID()] = as
	return as
}

func (c *Conn) writeEncoded(encoded []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := frame.WriteEncoded(c.stream, encoded)
	return err
}

func (c *Conn) writeFrame(f *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := f.WriteTo(c.stream)
	return err
}

// readPump is the single goroutine that owns this session's inbound
// side: it reads one frame at a time off the shared stream and
// dispatches it, so rotation control frames and data frames for every
// multiplexed stream are processed in the exact order they arrived on
// the wire.
func (c *Conn) readPump() {
	defer c.node.wg.Done()
	defer recovery.RecoverWithLog(c.node.logger, "node.readPump")
	defer c.Close()

	for {
		f, err := frame.ReadFrom(c.stream)
		if err != nil {
			if c.ctx.Err() == nil {
				c.node.logger.Debug("session stream closed",
					logging.KeySessionID, fmt.Sprintf("%x", c.session.ID()),
					logging.KeyError, err.Error())
			}
			return
		}
		if err := c.dispatch(f); err != nil {
			c.node.logger.Warn("dropping frame",
				logging.KeySessionID, fmt.Sprintf("%x", c.session.ID()),
				logging.KeyError, err.Error())
		}
	}
}

func (c *Conn) dispatch(f *frame.Frame) error {
	switch f.Type {
	case frame.TypeControl:
		return c.session.HandleControlFrame(f)
	case frame.TypeStreamControl:
		return c.session.HandleStreamControlFrame(f)
	case frame.TypeData:
		return c.dispatchData(f)
	default:
		return fmt.Errorf("node: unexpected frame type %s on session stream", f.Type)
	}
}

func (c *Conn) dispatchData(f *frame.Frame) error {
	st, err := c.session.Stream(f.StreamID)
	opened := false
	if err != nil {
		st, err = c.session.AdoptStream(f.StreamID)
		if err != nil {
			return err
		}
		opened = true
	}

	plaintext, err := st.Receive(f)
	if err != nil {
		return err
	}

	as := c.registerStream(st)
	if opened {
		c.node.metrics.RecordStreamOpen(0)
		select {
		case c.acceptStreamCh <- as:
		case <-c.closed:
			return nil
		}
	}
	if plaintext != nil {
		// Backpressure by design: a slow reader stalls this stream's
		// delivery, and since readPump drives every multiplexed stream
		// on this connection, a single stalled consumer throttles the
		// whole session rather than buffering unboundedly.
		as.deliver(plaintext)
	}
	c.maybeRotate()
	return nil
}

// Close tears down the connection: every open AppStream, the session,
// the dedicated session stream, and the underlying transport.PeerConn.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)

		c.mu.Lock()
		streams := make([]*AppStream, 0, len(c.appStreams))
		for _, as := range c.appStreams {
			streams = append(streams, as)
		}
		c.mu.Unlock()
		for _, as := range streams {
			as.closeLocal()
		}

		c.session.Close()
		c.stream.Close()
		err = c.peerConn.Close()
		c.node.forgetConn(c.session.ID())
	})
	return err
}

// Done returns a channel closed once this connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }
