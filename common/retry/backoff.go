// Package retry implements the exponential-backoff-with-jitter discipline
// used by the outbox publisher and the payment retry scheduler.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes capped exponential backoff with full jitter.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultOutboxBackoff matches the recommended outbox.backoff defaults.
func DefaultOutboxBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Cap: 60 * time.Second}
}

// DefaultPaymentBackoff matches the recommended payment.retry_backoff defaults.
func DefaultPaymentBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Cap: 30 * time.Second}
}

// Next returns the delay before attempt number `attempt` (1-indexed). Delays
// grow exponentially from Base, capped at Cap; attempts past the cap keep
// retrying at the cap rather than giving up.
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(b.Base) * math.Pow(2, float64(attempt-1))
	capped := math.Min(raw, float64(b.Cap))
	// full jitter: uniform in [0, capped], raised to at least Base
	jittered := rand.Float64() * capped
	if jittered < float64(b.Base) {
		jittered = float64(b.Base)
	}
	return time.Duration(jittered)
}
