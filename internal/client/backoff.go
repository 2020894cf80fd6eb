package client

import "time"

// Backoff computes the pause between reconnect attempts: exponential from
// Base, never exceeding Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the pause before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}
