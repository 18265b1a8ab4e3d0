package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextStaysWithinBounds(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Cap: 60 * time.Second}

	for attempt := 1; attempt <= 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := b.Next(attempt)
			assert.GreaterOrEqual(t, d, b.Base, "attempt %d below base", attempt)
			assert.LessOrEqual(t, d, b.Cap, "attempt %d above cap", attempt)
		}
	}
}

func TestNextCapsEarlyAttempts(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Cap: 60 * time.Second}

	// Attempt 2 grows to at most base*2 before jitter.
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, b.Next(2), 4*time.Second)
	}
}

func TestNextClampsInvalidAttempt(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second}
	assert.GreaterOrEqual(t, b.Next(0), b.Base)
	assert.GreaterOrEqual(t, b.Next(-3), b.Base)
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, 2*time.Second, DefaultOutboxBackoff().Base)
	assert.Equal(t, 60*time.Second, DefaultOutboxBackoff().Cap)
	assert.Equal(t, 30*time.Second, DefaultPaymentBackoff().Cap)
}
