package reliability

import (
	"sync"
	"time"

	"github.com/glimte/dispatch-go/contracts"
)

// RateLimiter is a sliding-window admission controller. Each successful
// Acquire records a timestamp; admission is denied while maxRequests
// timestamps sit inside the trailing window. Exceeding the limit is reported
// immediately as an error, never queued internally.
//
// The purge on every call is O(n) in the number of admitted requests, which
// is bounded by maxRequests.
type RateLimiter struct {
	mu          sync.Mutex
	timestamps  []time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

// RateLimiterOption configures the rate limiter
type RateLimiterOption func(*RateLimiter)

// WithMaxRequests sets the admission limit per window
func WithMaxRequests(max int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.maxRequests = max
	}
}

// WithTimeWindow sets the trailing window duration
func WithTimeWindow(window time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.window = window
	}
}

// WithLimiterClock overrides the time source, for tests
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// NewRateLimiter creates a new sliding-window rate limiter
func NewRateLimiter(options ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		maxRequests: 100,
		window:      time.Minute,
		now:         time.Now,
	}

	for _, opt := range options {
		opt(rl)
	}

	rl.timestamps = make([]time.Time, 0, rl.maxRequests)
	return rl
}

// Acquire admits one request, or fails with a RateLimitError when the window
// is full. It never blocks.
func (rl *RateLimiter) Acquire() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.purge(now)

	if len(rl.timestamps) >= rl.maxRequests {
		return &contracts.RateLimitError{
			Limit:   rl.maxRequests,
			Window:  rl.window,
			RetryIn: rl.timeUntilNextSlot(now),
		}
	}

	rl.timestamps = append(rl.timestamps, now)
	return nil
}

// CurrentCount returns the number of admitted requests inside the window
func (rl *RateLimiter) CurrentCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.purge(rl.now())
	return len(rl.timestamps)
}

// TimeUntilNextSlot returns 0 when the limiter is under its limit, otherwise
// the remaining time until the oldest admitted timestamp exits the window.
func (rl *RateLimiter) TimeUntilNextSlot() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.purge(now)

	if len(rl.timestamps) < rl.maxRequests {
		return 0
	}
	return rl.timeUntilNextSlot(now)
}

// Limit returns the configured admission limit
func (rl *RateLimiter) Limit() int {
	return rl.maxRequests
}

// Window returns the configured window duration
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}

// Reset discards all admitted timestamps
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.timestamps = rl.timestamps[:0]
}

// purge drops timestamps older than the window. Callers hold rl.mu.
func (rl *RateLimiter) purge(now time.Time) {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(rl.timestamps) && !rl.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.timestamps = append(rl.timestamps[:0], rl.timestamps[i:]...)
	}
}

// timeUntilNextSlot assumes a purged, full window. Callers hold rl.mu.
func (rl *RateLimiter) timeUntilNextSlot(now time.Time) time.Duration {
	if len(rl.timestamps) == 0 {
		return 0
	}
	remaining := rl.timestamps[0].Add(rl.window).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
