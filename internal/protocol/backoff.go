package protocol

import "time"

// Backoff default values.
const (
	defaultBackoffInitial    = time.Second
	defaultBackoffMax        = 2 * time.Minute
	defaultBackoffMultiplier = 2.0
)

// Backoff is the shared retry-delay policy used by connection retries,
// command retries and reconnect scheduling. The zero value behaves as
// exponential backoff from 1s up to 2min, doubling each attempt.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay regardless of attempt count.
	Max time.Duration

	// Multiplier scales the delay per attempt. 1.0 gives fixed delays.
	Multiplier float64
}

// Delay returns the delay before retry number attempt (counted from 0).
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = defaultBackoffMax
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = defaultBackoffMultiplier
	}

	d := float64(initial)
	for i := 0; i < attempt; i++ {
		d *= mult
		if d >= float64(maxDelay) {
			return maxDelay
		}
	}
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
