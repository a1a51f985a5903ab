package syncengine

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryDelay returns base * 2^attempt capped at max, without jitter
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := base
	for i := 0; i <= attempt; i++ {
		delay = b.NextBackOff()
		if delay >= max {
			return max
		}
	}
	return delay
}
