package session

import "errors"

var (
	// ErrSessionClosed is returned for any operation on a session that
	// has already moved to CLOSING or CLOSED.
	ErrSessionClosed = errors.New("session: closed")

	// ErrRotationInProgress is returned by RotateNow when a prior
	// rotation's grace window has not yet elapsed.
	ErrRotationInProgress = errors.New("session: rotation in progress")

	// ErrResourceLimit is returned when a configured resource ceiling
	// (concurrent sessions, streams per session) would be exceeded.
	ErrResourceLimit = errors.New("session: resource limit exceeded")

	// ErrStreamNotFound is returned when a stream id has no open stream.
	ErrStreamNotFound = errors.New("session: stream not found")

	// ErrMalformedControl is returned for an unparseable CONTROL frame.
	ErrMalformedControl = errors.New("session: malformed control message")
)
