package transport

import (
	"math"
	"math/rand"
	"time"
)

// Default reconnect policy.
const (
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMultiplier  = 2.0
	defaultMaxAttempts = 5

	// jitterFraction bounds the random jitter added on top of the computed
	// delay: up to 10% of the delay.
	jitterFraction = 0.1
)

// reconnectDelay computes the delay before reconnect attempt n (1-based):
// base × multiplier^(n-1), capped at max, plus 0–10% random jitter.
func reconnectDelay(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := rand.Float64() * jitterFraction * d
	return time.Duration(d + jitter)
}
