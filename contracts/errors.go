package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig indicates the dispatcher was constructed with an
	// unusable configuration. Fatal to instantiation.
	ErrInvalidConfig = errors.New("dispatch: invalid configuration")

	// ErrDuplicateMessage indicates a message ID was already delivered
	ErrDuplicateMessage = errors.New("dispatch: duplicate message")

	// ErrRateLimitExceeded indicates the sliding-window admission limit is full
	ErrRateLimitExceeded = errors.New("dispatch: rate limit exceeded")

	// ErrAllProvidersFailed indicates every attempt across every backend failed
	ErrAllProvidersFailed = errors.New("dispatch: all providers failed")
)

// DuplicateMessageError reports a resubmission of an already-delivered message
type DuplicateMessageError struct {
	MessageID string
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("message %s already delivered", e.MessageID)
}

func (e *DuplicateMessageError) Is(target error) bool {
	return target == ErrDuplicateMessage
}

// RateLimitError reports that the admission window is full and carries the
// time until the oldest admitted request leaves the window
type RateLimitError struct {
	Limit   int
	Window  time.Duration
	RetryIn time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per %v exceeded, next slot in %v",
		e.Limit, e.Window, e.RetryIn.Round(time.Millisecond))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// AllProvidersFailedError is the terminal dispatch error, carrying the last
// backend tried and the last underlying error
type AllProvidersFailedError struct {
	MessageID   string
	Attempts    int
	LastBackend string
	LastErr     error
}

func (e *AllProvidersFailedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("all providers failed for message %s after %d attempts (last backend %s): %v",
			e.MessageID, e.Attempts, e.LastBackend, e.LastErr)
	}
	return fmt.Sprintf("all providers failed for message %s after %d attempts", e.MessageID, e.Attempts)
}

func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

func (e *AllProvidersFailedError) Unwrap() error {
	return e.LastErr
}
