package dispatch

import (
	"math/rand"
	"time"
)

// Backoff computes the wait before a failed delivery's next attempt:
// exponential doubling from Base, capped at Cap, plus additive jitter of up
// to a quarter of the capped delay. Doubling outpaces the jitter bound, so
// consecutive delays strictly grow until they reach the cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the backoff after the given number of failed attempts
// (1 = first failure).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Cap > 0 && delay >= b.Cap {
			delay = b.Cap
			break
		}
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}

	if quarter := int64(delay / 4); quarter > 0 {
		delay += time.Duration(rand.Int63n(quarter))
	}
	return delay
}
