package client

import "time"

// Backoff provides exponential delays between reconnect attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
	attempt int
}

// DefaultBackoff returns a backoff starting at 1s, capped at 10s,
// doubling per attempt.
func DefaultBackoff() *Backoff {
	return &Backoff{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 2.0,
	}
}

// Next returns the delay to wait before the next attempt and advances
// the backoff.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := b.current

	next := time.Duration(float64(b.current) * b.Multiplier)
	if next > b.Max {
		next = b.Max
	}
	b.current = next
	b.attempt++
	return d
}

// Attempt reports how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset returns the backoff to its initial state.
func (b *Backoff) Reset() {
	b.current = 0
	b.attempt = 0
}
