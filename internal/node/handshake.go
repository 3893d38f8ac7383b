package node

import (
	"context"
	"fmt"
	"time"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/frame"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/handshake"
	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/transport"
)

// writeHandshakeFrame sends f on stream, honoring ctx's deadline if set.
// Handshake frames always use the zero session id and are never
// length-prefixed differently from data frames — the same WriteTo
// delimits every frame type over the dedicated session stream.
func writeHandshakeFrame(ctx context.Context, stream transport.Stream, f *frame.Frame) error {
	if dl, ok := ctx.Deadline(); ok {
		stream.SetWriteDeadline(dl)
	}
	if _, err := f.WriteTo(stream); err != nil {
		return fmt.Errorf("node: write handshake frame: %w", err)
	}
	return nil
}

func readHandshakeFrame(ctx context.Context, stream transport.Stream) (*frame.Frame, error) {
	if dl, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(dl)
	}
	f, err := frame.ReadFrom(stream)
	if err != nil {
		return nil, fmt.Errorf("node: read handshake frame: %w", err)
	}
	return f, nil
}

// dialerHandshake drives the initiator side of the four-message exchange
// over stream: HELLO -> RESPONSE -> AUTH_PROOF -> FINAL.
func (n *Node) dialerHandshake(ctx context.Context, stream transport.Stream) (*handshake.Result, error) {
	start := time.Now()
	initiator := handshake.NewInitiator(n.adapter, n.cfg.SharedSeed, n.cfg.LocalID)

	hello, err := initiator.Start(n.handshakeTimeout())
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	if err := writeHandshakeFrame(ctx, stream, hello); err != nil {
		return nil, err
	}

	response, err := readHandshakeFrame(ctx, stream)
	if err != nil {
		return nil, err
	}
	proof, err := initiator.HandleResponse(response)
	if err != nil {
		return nil, fmt.Errorf("handle RESPONSE: %w", err)
	}
	if err := writeHandshakeFrame(ctx, stream, proof); err != nil {
		return nil, err
	}

	final, err := readHandshakeFrame(ctx, stream)
	if err != nil {
		return nil, err
	}
	result, err := initiator.HandleFinal(final)
	if err != nil {
		return nil, fmt.Errorf("handle FINAL: %w", err)
	}

	n.metrics.RecordHandshake(time.Since(start).Seconds())
	return result, nil
}

// listenerHandshake drives the responder side of the exchange. The
// in-flight attempt is registered in the node's handshake.Manager for
// the duration of the exchange, keyed by (peer_node_id, nonce_i) once
// the peer's HELLO reveals both, and this is also where the maximum
// pending handshake transcripts resource limit is enforced.
func (n *Node) listenerHandshake(ctx context.Context, stream transport.Stream) (*handshake.Result, error) {
	hello, err := readHandshakeFrame(ctx, stream)
	if err != nil {
		return nil, err
	}

	responder := handshake.NewResponder(n.adapter, n.cfg.SharedSeed, n.cfg.LocalID, n.handshakeTimeout())
	response, err := responder.HandleHello(hello)
	if err != nil {
		return nil, fmt.Errorf("handle HELLO: %w", err)
	}

	if n.cfg.MaxPendingHandshakes > 0 && n.handshakes.Len() >= n.cfg.MaxPendingHandshakes {
		return nil, ErrTooManyPendingHandshakes
	}
	peerID, nonceI := responder.PeerNodeID(), responder.NonceI()
	n.handshakes.Begin(peerID, nonceI, responder)
	defer n.handshakes.Forget(peerID, nonceI)

	if err := writeHandshakeFrame(ctx, stream, response); err != nil {
		return nil, err
	}

	proof, err := readHandshakeFrame(ctx, stream)
	if err != nil {
		return nil, err
	}
	final, result, err := responder.HandleAuthProof(proof)
	if err != nil {
		return nil, fmt.Errorf("handle AUTH_PROOF: %w", err)
	}
	if err := writeHandshakeFrame(ctx, stream, final); err != nil {
		return nil, err
	}

	return result, nil
}

// SweepHandshakes evicts expired pending attempts from the handshake
// manager and returns how many were removed. Callers typically run this
// periodically from a ticker alongside session rotation sweeps.
func (n *Node) SweepHandshakes() int {
	return n.handshakes.Sweep()
}
