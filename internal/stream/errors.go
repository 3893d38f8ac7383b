package stream

import "errors"

var (
	// ErrWindowExceeded is returned when an inbound out-of-order frame
	// would grow the reassembly buffer past its configured window.
	ErrWindowExceeded = errors.New("stream: window exceeded")

	// ErrStreamExpired is returned when an operation is attempted on a
	// stream that has been idle past its expiry threshold.
	ErrStreamExpired = errors.New("stream: expired")

	// ErrStreamClosed is returned when an operation is attempted on a
	// closed stream.
	ErrStreamClosed = errors.New("stream: closed")

	// ErrDuplicateSequence is returned for an inbound frame whose
	// sequence number has already been delivered or buffered.
	ErrDuplicateSequence = errors.New("stream: duplicate sequence")

	// ErrSequenceOverflow is returned if the outbound sequence counter
	// would wrap past its maximum representable value.
	ErrSequenceOverflow = errors.New("stream: sequence overflow")

	// ErrDecryptFailed wraps any failure of the underlying frame decrypt,
	// and also a frame encrypt failure in Send.
	ErrDecryptFailed = errors.New("stream: decrypt failed")
)
