package oracle

import (
	"time"
)

// Backoff computes reconnect delays: Base * 2^retry, capped at Max
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff starts at one second and caps at one minute
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 60 * time.Second}
}

// Delay returns the wait before reconnect attempt number retry.
// A negative retry returns Base.
func (b Backoff) Delay(retry int) time.Duration {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if retry < 0 {
		return b.Base
	}

	// 2^30 seconds is far beyond any sane cap; stop shifting before overflow
	if retry > 30 {
		return b.Max
	}

	d := b.Base * time.Duration(1<<retry)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}
