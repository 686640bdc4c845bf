package agent

import (
	"math/rand/v2"
	"time"
)

// backoff yields exponentially growing delays with jitter in [d/2, d).
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
	jitter  func(n int64) int64
}

func newBackoff(base, maxDelay time.Duration) *backoff {
	return &backoff{base: base, max: maxDelay, jitter: rand.Int64N}
}

// Next returns the next delay and doubles the ceiling.
func (b *backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.base
	} else {
		b.current = min(b.current*2, b.max)
	}
	half := b.current / 2
	if half <= 0 {
		return b.current
	}
	return half + time.Duration(b.jitter(int64(half)))
}

// Reset returns to the base delay after a successful poll.
func (b *backoff) Reset() {
	b.current = 0
}
