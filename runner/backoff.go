package runner

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 30 * time.Second
)

// retryDelay computes the full-jitter exponential backoff for a retry.
// attempt is 1-based: the delay before attempt N+1 draws uniformly from
// [0, min(cap, base * factor^(N-1))].
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	ceiling := backoffBase
	for i := 1; i < attempt; i++ {
		ceiling *= backoffFactor
		if ceiling >= backoffCap {
			ceiling = backoffCap
			break
		}
	}

	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
