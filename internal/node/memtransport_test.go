package node

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/transport"
)

// memStream wraps one side of a net.Pipe as a transport.Stream, the same
// way the pack's net.Pipe-based transport test doubles stand in for a
// real QUIC/WebSocket stream.
type memStream struct {
	net.Conn
	id uint64
}

func (s *memStream) StreamID() uint64    { return s.id }
func (s *memStream) CloseWrite() error   { return nil }

// memPeerConn is a PeerConn backed by an in-memory channel of pre-wired
// stream pairs, set up once by newMemPeerPair below. It tracks every
// stream it has vended so Close can tear them down too, the same way a
// real transport's connection close unblocks any stream still in use.
type memPeerConn struct {
	local, remote net.Addr
	isDialer      bool
	streamCh      chan transport.Stream
	closed        chan struct{}
	closeOnce     sync.Once

	mu      sync.Mutex
	vended  []transport.Stream
}

func (c *memPeerConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.streamCh:
		c.track(s)
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.ErrClosedPipe
	}
}

func (c *memPeerConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.streamCh:
		c.track(s)
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.ErrClosedPipe
	}
}

func (c *memPeerConn) track(s transport.Stream) {
	c.mu.Lock()
	c.vended = append(c.vended, s)
	c.mu.Unlock()
}

func (c *memPeerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		vended := c.vended
		c.mu.Unlock()
		for _, s := range vended {
			s.Close()
		}
	})
	return nil
}

func (c *memPeerConn) LocalAddr() net.Addr                  { return c.local }
func (c *memPeerConn) RemoteAddr() net.Addr                 { return c.remote }
func (c *memPeerConn) IsDialer() bool                       { return c.isDialer }
func (c *memPeerConn) TransportType() transport.TransportType { return "mem" }

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// newMemPeerPair builds two connected memPeerConns sharing a single
// net.Pipe per OpenStream/AcceptStream call, enough streams for a
// handshake exchange plus any application streams a test opens.
func newMemPeerPair(nStreams int) (dialer, listener *memPeerConn) {
	dialer = &memPeerConn{
		local: memAddr("dialer"), remote: memAddr("listener"),
		isDialer: true, streamCh: make(chan transport.Stream, nStreams),
		closed: make(chan struct{}),
	}
	listener = &memPeerConn{
		local: memAddr("listener"), remote: memAddr("dialer"),
		isDialer: false, streamCh: make(chan transport.Stream, nStreams),
		closed: make(chan struct{}),
	}
	for i := 0; i < nStreams; i++ {
		a, b := net.Pipe()
		dialer.streamCh <- &memStream{Conn: a, id: uint64(i)}
		listener.streamCh <- &memStream{Conn: b, id: uint64(i)}
	}
	return dialer, listener
}

// memListener/memTransport let a test drive Node.Start/Node.Connect
// end-to-end without a real network.
type memTransport struct {
	mu        sync.Mutex
	listeners map[string]*memListener
}

func newMemTransport() *memTransport {
	return &memTransport{listeners: make(map[string]*memListener)}
}

func (t *memTransport) Type() transport.TransportType { return "mem" }
func (t *memTransport) Close() error                  { return nil }

func (t *memTransport) Listen(addr string, opts transport.ListenOptions) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := &memListener{addr: addr, connCh: make(chan transport.PeerConn, 4), closed: make(chan struct{})}
	t.listeners[addr] = l
	return l, nil
}

func (t *memTransport) Dial(ctx context.Context, addr string, opts transport.DialOptions) (transport.PeerConn, error) {
	t.mu.Lock()
	l, ok := t.listeners[addr]
	t.mu.Unlock()
	if !ok {
		return nil, io.ErrClosedPipe
	}
	dialer, listener := newMemPeerPair(8)
	select {
	case l.connCh <- listener:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
		return nil, context.DeadlineExceeded
	}
	return dialer, nil
}

type memListener struct {
	addr      string
	connCh    chan transport.PeerConn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *memListener) Accept(ctx context.Context) (transport.PeerConn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, io.ErrClosedPipe
	}
}

func (l *memListener) Addr() net.Addr { return memAddr(l.addr) }
func (l *memListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
