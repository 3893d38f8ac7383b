// Package node ties the transport collaborator, handshake engine, and
// session table together into the public surface a caller actually
// drives: start listening, dial a peer, accept an inbound one.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/config"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/cryptoadapter"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/handshake"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/identity"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/logging"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/metrics"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/recovery"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/session"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/transport"
)

// Config bundles everything a Node needs beyond the registered
// transports themselves.
type Config struct {
	LocalID          identity.NodeID
	SharedSeed       []byte
	HandshakeTimeout time.Duration

	SessionConfig        session.Config
	MaxSessions          int
	MaxPendingHandshakes int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// FromFileConfig builds a node.Config from a loaded internal/config.Config
// and the node's resolved identity.
func FromFileConfig(cfg *config.Config, localID identity.NodeID, logger *slog.Logger, m *metrics.Metrics) (Config, error) {
	seed, err := cfg.Security.GetSharedSeed()
	if err != nil {
		return Config{}, fmt.Errorf("node: %w", err)
	}
	return Config{
		LocalID:              localID,
		SharedSeed:           seed,
		HandshakeTimeout:      cfg.Handshake.Timeout,
		SessionConfig:        cfg.SessionConfig(),
		MaxSessions:          cfg.Limits.MaxSessions,
		MaxPendingHandshakes: cfg.Limits.MaxPendingHandshakes,
		Logger:               logger,
		Metrics:              m,
	}, nil
}

// ListenSpec names one listener to bring up in Start.
type ListenSpec struct {
	Transport transport.TransportType
	Address   string
	Options   transport.ListenOptions
}

// Node orchestrates every established connection this process holds: it
// owns the registered transports, the handshake attempt registry, the
// session table, and the goroutines that drive accepted and dialed
// connections to ESTABLISHED and pump their frames afterward.
type Node struct {
	cfg     Config
	adapter cryptoadapter.Adapter
	logger  *slog.Logger
	metrics *metrics.Metrics

	handshakes *handshake.Manager
	sessions   *session.Table

	mu         sync.Mutex
	transports map[transport.TransportType]transport.Transport
	listeners  []transport.Listener
	conns      map[handshake.SessionID]*Conn

	acceptCh chan *Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New creates a Node. Transports must be registered with RegisterTransport
// before Start or Connect is called for their type.
func New(cfg Config) *Node {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:        cfg,
		adapter:    cryptoadapter.New(),
		logger:     logger,
		metrics:    m,
		handshakes: handshake.NewManager(cfg.HandshakeTimeout),
		sessions:   session.NewTable(cfg.MaxSessions),
		transports: make(map[transport.TransportType]transport.Transport),
		conns:      make(map[handshake.SessionID]*Conn),
		acceptCh:   make(chan *Conn),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterTransport makes tr available to Start/Connect under its own
// Type().
func (n *Node) RegisterTransport(tr transport.Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transports[tr.Type()] = tr
}

func (n *Node) transportFor(t transport.TransportType) (transport.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tr, ok := n.transports[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, t)
	}
	return tr, nil
}

// Start brings up one listener per spec and begins accepting inbound
// connections on each. It returns as soon as every listener is bound;
// the accept loops run in the background until Stop.
func (n *Node) Start(specs []ListenSpec) error {
	for _, spec := range specs {
		tr, err := n.transportFor(spec.Transport)
		if err != nil {
			return err
		}
		l, err := tr.Listen(spec.Address, spec.Options)
		if err != nil {
			return fmt.Errorf("node: listen %s %s: %w", spec.Transport, spec.Address, err)
		}
		n.mu.Lock()
		n.listeners = append(n.listeners, l)
		n.mu.Unlock()

		n.wg.Add(1)
		go n.acceptLoop(l)
		n.logger.Info("listening", logging.KeyTransport, string(spec.Transport), logging.KeyAddress, spec.Address)
	}
	return nil
}

// Stop closes every listener and session, then waits for all
// node-managed goroutines to exit.
func (n *Node) Stop() error {
	n.closeOnce.Do(func() {
		n.cancel()

		n.mu.Lock()
		listeners := n.listeners
		n.listeners = nil
		n.mu.Unlock()
		for _, l := range listeners {
			l.Close()
		}

		n.sessions.CloseAll()

		n.mu.Lock()
		conns := make([]*Conn, 0, len(n.conns))
		for _, c := range n.conns {
			conns = append(conns, c)
		}
		n.conns = make(map[handshake.SessionID]*Conn)
		n.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	n.wg.Wait()
	return nil
}

// Connect dials addr over the named transport and drives the
// mutual-authentication handshake as the initiator. expectedPeer, if
// non-zero, must match the peer's proven identity or the handshake is
// torn down with ErrPeerIDMismatch.
func (n *Node) Connect(ctx context.Context, t transport.TransportType, addr string, opts transport.DialOptions, expectedPeer identity.NodeID) (*Conn, error) {
	if n.ctx.Err() != nil {
		return nil, ErrNodeClosed
	}
	tr, err := n.transportFor(t)
	if err != nil {
		return nil, err
	}

	peerConn, err := tr.Dial(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("node: dial %s: %w", addr, err)
	}

	hctx, hcancel := context.WithTimeout(ctx, n.handshakeTimeout())
	defer hcancel()

	stream, err := peerConn.OpenStream(hctx)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("node: open session stream: %w", err)
	}

	result, err := n.dialerHandshake(hctx, stream)
	if err != nil {
		peerConn.Close()
		n.metrics.RecordHandshakeError("dialer")
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if !expectedPeer.IsZero() && !expectedPeer.Equal(result.PeerNodeID) {
		peerConn.Close()
		return nil, ErrPeerIDMismatch
	}

	conn, err := n.establish(peerConn, stream, result)
	if err != nil {
		peerConn.Close()
		return nil, err
	}
	n.metrics.RecordPeerConnect(string(t), "outbound")
	return conn, nil
}

// Accept blocks until an inbound connection completes its handshake, ctx
// is done, or the node is stopped.
func (n *Node) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c, ok := <-n.acceptCh:
		if !ok {
			return nil, ErrNodeClosed
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.ctx.Done():
		return nil, ErrNodeClosed
	}
}

// SessionCount reports the number of currently established sessions.
func (n *Node) SessionCount() int { return n.sessions.Len() }

func (n *Node) handshakeTimeout() time.Duration {
	if n.cfg.HandshakeTimeout <= 0 {
		return handshake.DefaultTimeout
	}
	return n.cfg.HandshakeTimeout
}

func (n *Node) acceptLoop(l transport.Listener) {
	defer n.wg.Done()
	defer recovery.RecoverWithLog(n.logger, "node.acceptLoop")

	for {
		peerConn, err := l.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Warn("accept failed", logging.KeyError, err.Error())
			continue
		}
		n.wg.Add(1)
		go n.handleInbound(peerConn)
	}
}

func (n *Node) handleInbound(peerConn transport.PeerConn) {
	defer n.wg.Done()
	defer recovery.RecoverWithLog(n.logger, "node.handleInbound")

	ctx, cancel := context.WithTimeout(n.ctx, n.handshakeTimeout())
	defer cancel()

	stream, err := peerConn.AcceptStream(ctx)
	if err != nil {
		n.logger.Warn("accept session stream failed", logging.KeyError, err.Error())
		peerConn.Close()
		return
	}

	result, err := n.listenerHandshake(ctx, stream)
	if err != nil {
		n.logger.Warn("inbound handshake failed", logging.KeyError, err.Error())
		n.metrics.RecordHandshakeError("listener")
		peerConn.Close()
		return
	}

	conn, err := n.establish(peerConn, stream, result)
	if err != nil {
		n.logger.Warn("establish session failed", logging.KeyError, err.Error())
		peerConn.Close()
		return
	}
	n.metrics.RecordPeerConnect(string(peerConn.TransportType()), "inbound")

	select {
	case n.acceptCh <- conn:
	case <-n.ctx.Done():
		conn.Close()
	}
}

// establish builds the session and Conn for a completed handshake result
// and registers both in the node's tables.
func (n *Node) establish(peerConn transport.PeerConn, stream transport.Stream, result *handshake.Result) (*Conn, error) {
	sess := session.New(result, n.adapter, n.cfg.SessionConfig)
	if err := n.sessions.Add(sess); err != nil {
		sess.Close()
		return nil, fmt.Errorf("node: register session: %w", err)
	}
	n.metrics.RecordSessionEstablished()

	conn := newConn(n, peerConn, stream, sess)

	n.mu.Lock()
	n.conns[sess.ID()] = conn
	n.mu.Unlock()

	conn.start()
	return conn, nil
}

// forgetConn drops a closed connection's bookkeeping. Called from
// Conn.Close.
func (n *Node) forgetConn(sessID handshake.SessionID) {
	n.mu.Lock()
	delete(n.conns, sessID)
	n.mu.Unlock()
	n.sessions.Remove(sessID)
	n.metrics.RecordSessionClosed()
}
