package resilience

import (
	"math"
	"math/rand"
	"time"
)

const (
	// LocalBackoffBase is the first delay applied after a local processing error
	LocalBackoffBase = 100 * time.Millisecond
	// LocalBackoffMax caps local processing backoff
	LocalBackoffMax = 2 * time.Second

	localBackoffMaxExponent = 5

	reconnectBase        = 1 * time.Second
	reconnectMultiplier  = 1.5
	reconnectMaxExponent = 10
	reconnectMaxJitter   = 0.10
	// ReconnectMaxDelay caps the delay between reconnect attempts
	ReconnectMaxDelay = 30 * time.Second
)

// CalculateBackoff calculates the backoff duration for a given attempt
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(attempt)))
	if backoff > maxBackoff || backoff < 0 {
		return maxBackoff
	}
	return backoff
}

// LocalBackoff returns the delay after n consecutive local errors:
// 100ms * 2^min(n,5), capped at 2s.
func LocalBackoff(n int) time.Duration {
	if n > localBackoffMaxExponent {
		n = localBackoffMaxExponent
	}
	return CalculateBackoff(n, LocalBackoffBase, LocalBackoffMax, 2.0)
}

// ReconnectDelay returns the wait before the next connection attempt:
// 1s * 1.5^min(attempts,10) plus up to 10% jitter, never above 30s.
// jitter must return a value in [0,1); nil uses math/rand.
func ReconnectDelay(attempts int, jitter func() float64) time.Duration {
	if attempts > reconnectMaxExponent {
		attempts = reconnectMaxExponent
	}
	base := CalculateBackoff(attempts, reconnectBase, ReconnectMaxDelay, reconnectMultiplier)

	if jitter == nil {
		jitter = rand.Float64
	}
	j := jitter()
	if j < 0 {
		j = 0
	} else if j >= 1 {
		j = 1
	}

	delay := base + time.Duration(float64(base)*reconnectMaxJitter*j)
	if delay > ReconnectMaxDelay {
		delay = ReconnectMaxDelay
	}
	return delay
}
