package docsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBackoffFirstDelayIsImmediate(t *testing.T) {
	backoff := NewExponentialBackoff(DefaultBackoffSettings())
	assert.Equal(t, backoff.NextDelay(), time.Duration(0))
	backoff.NextDelay()
	backoff.Reset()
	assert.Equal(t, backoff.NextDelay(), time.Duration(0))
}

func TestBackoffStaysWithinBounds(t *testing.T) {
	settings := &BackoffSettings{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Factor:       2,
		Jitter:       0.5,
	}
	backoff := NewExponentialBackoff(settings)

	for i := range 50 {
		delay := backoff.NextDelay()
		assert.Equal(t, 0 <= delay, true)
		// jitter can push at most half over the max base
		assert.Equal(t, delay <= settings.MaxDelay+settings.MaxDelay/2, true)
		if i == 0 {
			assert.Equal(t, delay, time.Duration(0))
		}
	}
}

func TestBackoffGrowsWithoutJitter(t *testing.T) {
	settings := &BackoffSettings{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Factor:       2,
		Jitter:       0,
	}
	backoff := NewExponentialBackoff(settings)

	assert.Equal(t, backoff.NextDelay(), time.Duration(0))
	assert.Equal(t, backoff.NextDelay(), 100*time.Millisecond)
	assert.Equal(t, backoff.NextDelay(), 200*time.Millisecond)
	assert.Equal(t, backoff.NextDelay(), 400*time.Millisecond)
	assert.Equal(t, backoff.NextDelay(), 800*time.Millisecond)
	// clamped at the max
	assert.Equal(t, backoff.NextDelay(), 1*time.Second)
	assert.Equal(t, backoff.NextDelay(), 1*time.Second)
}

func TestBackoffResetToMax(t *testing.T) {
	settings := &BackoffSettings{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Factor:       2,
		Jitter:       0,
	}
	backoff := NewExponentialBackoff(settings)
	backoff.ResetToMax()
	assert.Equal(t, backoff.NextDelay(), 1*time.Second)
}
