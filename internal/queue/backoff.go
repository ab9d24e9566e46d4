package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Delay returns the wait before retry number attempt (1-based):
// base * 2^(attempt-1), capped at max.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()

	d := base
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
