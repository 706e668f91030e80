package comfyui

import (
	"math/rand"
	"time"
)

// Backoff is the reconnect delay policy
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay, applied in both directions
}

// DefaultBackoff starts at 1s, doubles, caps at 30s with ±20% jitter
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

// Delay returns the un-jittered delay before reconnect attempt n (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Jittered returns Delay(attempt) spread by the jitter fraction
func (b Backoff) Jittered(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * b.Jitter
	return time.Duration(float64(d) * (1 + spread))
}
