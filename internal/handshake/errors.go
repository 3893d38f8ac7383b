package handshake

import "errors"

var (
	// ErrBadSeed is returned when the challenge in Message 2 fails to
	// decrypt under the shared seed, or the recovered plaintext does not
	// match the expected nonce pair — including a replayed Message 2 from
	// an unrelated handshake attempt.
	ErrBadSeed = errors.New("handshake: bad seed")

	// ErrBadProof is returned when the proof in Message 3 does not
	// decrypt to the responder's own computed session id.
	ErrBadProof = errors.New("handshake: bad proof")

	// ErrHandshakeTimeout is returned when an attempt does not reach
	// ESTABLISHED before its deadline.
	ErrHandshakeTimeout = errors.New("handshake: timed out")

	// ErrTranscriptMismatch is returned when a message references a
	// transcript field inconsistent with what this attempt recorded.
	ErrTranscriptMismatch = errors.New("handshake: transcript mismatch")

	// ErrUnexpectedMessage is returned when a message arrives out of
	// sequence for the current state.
	ErrUnexpectedMessage = errors.New("handshake: unexpected message")

	// ErrMalformedMessage is returned when a message body cannot be
	// decoded into the expected shape.
	ErrMalformedMessage = errors.New("handshake: malformed message")
)
