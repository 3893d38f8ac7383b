package node

import "errors"

var (
	// ErrNodeClosed is returned by Connect/Accept once Stop has been
	// called.
	ErrNodeClosed = errors.New("node: closed")

	// ErrUnknownTransport is returned when Connect or a listener spec
	// names a transport type no collaborator was registered for.
	ErrUnknownTransport = errors.New("node: unknown transport")

	// ErrHandshakeFailed wraps any failure of the dialer-side handshake
	// exchange in Connect. A peer-id mismatch is reported as
	// ErrPeerIDMismatch instead, and listener-side failures are logged,
	// not returned.
	ErrHandshakeFailed = errors.New("node: handshake failed")

	// ErrPeerIDMismatch is returned when a peer's proven identity does
	// not match the one a Connect caller expected.
	ErrPeerIDMismatch = errors.New("node: peer id mismatch")

	// ErrConnClosed is returned for any operation on a Conn that has
	// already been closed.
	ErrConnClosed = errors.New("node: connection closed")

	// ErrTooManyPendingHandshakes is returned when an inbound HELLO
	// would exceed the configured pending-handshake resource limit.
	ErrTooManyPendingHandshakes = errors.New("node: too many pending handshakes")
)
