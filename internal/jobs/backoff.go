package jobs

import (
	"math/rand"
	"time"
)

// Backoff spaces out retries of failed jobs. The delay before retry n is
// min(Base * 2^(n-1), Cap) plus a random jitter in [0, Jitter).
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration

	// rand is swapped in tests; nil means math/rand.
	rand func(int64) int64
}

// DefaultBackoff matches the [worker] defaults: 5s doubling up to 5m, plus
// up to 1s of jitter.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Cap: 5 * time.Minute, Jitter: time.Second}

// ComputeBackoff is DefaultBackoff.Delay.
func ComputeBackoff(attempt int) time.Duration {
	return DefaultBackoff.Delay(attempt)
}

// Delay returns the wait before retrying after the given attempt. Attempts
// below 1 are treated as the first.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	limit := max(b.Cap, base)

	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	delay = min(delay, limit)

	if b.Jitter <= 0 {
		return delay
	}
	randInt63n := b.rand
	if randInt63n == nil {
		randInt63n = rand.Int63n
	}
	return delay + time.Duration(randInt63n(int64(b.Jitter)))
}
