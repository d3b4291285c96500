package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes per-attempt behavior for a retry loop
type RetryPolicy interface {
	// ShouldRetry determines if a retry should follow the given 1-based
	// attempt, and with what delay
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the total number of attempts permitted
	MaxAttempts() int
	// NextDelay calculates the delay before the attempt after the given
	// 1-based attempt number
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with jitter. The delay
// for attempt k is min(initialDelay * factor^(k-1), maxDelay), scaled by a
// uniform multiplier in [0.75, 1.25] to avoid correlated retry storms across
// concurrently retrying messages.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Attempts     int
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, factor float64, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       factor,
		Attempts:     attempts,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if err == nil || attempt >= e.Attempts {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(e.InitialDelay) * math.Pow(e.Factor, float64(attempt-1))
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}

	// Uniform jitter in [0.75, 1.25]
	delay *= 0.75 + rand.Float64()*0.5

	return time.Duration(delay)
}

// Sleep suspends for the given delay, returning early with the context error
// if the context is done first
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
