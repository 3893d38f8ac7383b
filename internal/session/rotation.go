package session

import "time"

// RotationThresholds configures the bytes/age/frame ceilings past which
// a session rotates its key, per spec defaults.
type RotationThresholds struct {
	MaxBytes  uint64
	MaxAge    time.Duration
	MaxFrames uint64
}

// DefaultRotationThresholds returns the spec's illustrative defaults: 1
// GiB, one hour, or 100,000 frames, whichever comes first.
func DefaultRotationThresholds() RotationThresholds {
	return RotationThresholds{
		MaxBytes:  1 << 30,
		MaxAge:    time.Hour,
		MaxFrames: 100_000,
	}
}

// DefaultRotationGrace is how long a rotated-out key continues to
// decrypt frames sequenced just before the rotation took effect.
const DefaultRotationGrace = 30 * time.Second
