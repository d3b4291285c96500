package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/dispatch-go/contracts"
	"github.com/glimte/dispatch-go/delivery"
	"github.com/glimte/dispatch-go/internal/queue"
	"github.com/glimte/dispatch-go/internal/reliability"
)

// RetryConfig controls the dispatch attempt loop
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the retry configuration used when none is supplied
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Dispatcher routes messages to one of several interchangeable delivery
// backends, tolerating backend flakiness, overload, and duplicate
// submission. It owns the backend list, one circuit breaker per backend, a
// sliding-window rate limiter, and a serializing queue; the queue's
// one-message-in-flight discipline is the engine's concurrency control, and
// the attempt loop here is the sole retry authority.
type Dispatcher struct {
	backends []delivery.Backend
	breakers map[string]*reliability.CircuitBreaker
	limiter  *reliability.RateLimiter
	queue    *queue.DispatchQueue
	policy   reliability.RetryPolicy
	retry    RetryConfig

	sentMu sync.Mutex
	sent   map[string]struct{}

	metrics   *Metrics
	validator Validator
	logger    *slog.Logger

	// sleep is the inter-attempt suspension, replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

type dispatcherConfig struct {
	retry            RetryConfig
	maxRequests      int
	timeWindow       time.Duration
	failureThreshold int
	resetTimeout     time.Duration
	metrics          *Metrics
	validator        Validator
	logger           *slog.Logger
}

// Option configures the Dispatcher
type Option func(*dispatcherConfig)

// WithRetryConfig sets the attempt loop configuration
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *dispatcherConfig) {
		c.retry = cfg
	}
}

// WithRateLimit sets the sliding-window admission limit
func WithRateLimit(maxRequests int, window time.Duration) Option {
	return func(c *dispatcherConfig) {
		c.maxRequests = maxRequests
		c.timeWindow = window
	}
}

// WithCircuitBreaker sets the per-backend breaker configuration
func WithCircuitBreaker(failureThreshold int, resetTimeout time.Duration) Option {
	return func(c *dispatcherConfig) {
		c.failureThreshold = failureThreshold
		c.resetTimeout = resetTimeout
	}
}

// WithMetrics supplies an external metrics registry
func WithMetrics(m *Metrics) Option {
	return func(c *dispatcherConfig) {
		c.metrics = m
	}
}

// WithValidator replaces the default input validator
func WithValidator(v Validator) Option {
	return func(c *dispatcherConfig) {
		c.validator = v
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *dispatcherConfig) {
		c.logger = logger
	}
}

// NewDispatcher creates a dispatcher over the given backends. Construction
// fails when no backends are supplied, backend names collide, or the retry
// configuration is unusable.
func NewDispatcher(backends []delivery.Backend, options ...Option) (*Dispatcher, error) {
	cfg := &dispatcherConfig{
		retry:            DefaultRetryConfig(),
		maxRequests:      100,
		timeWindow:       time.Minute,
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
		validator:        NewShapeValidator(),
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: at least one backend is required", contracts.ErrInvalidConfig)
	}
	if cfg.retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: maxAttempts must be at least 1, got %d",
			contracts.ErrInvalidConfig, cfg.retry.MaxAttempts)
	}

	breakers := make(map[string]*reliability.CircuitBreaker, len(backends))
	for _, b := range backends {
		if _, exists := breakers[b.Name()]; exists {
			return nil, fmt.Errorf("%w: duplicate backend name %q", contracts.ErrInvalidConfig, b.Name())
		}
		breakers[b.Name()] = reliability.NewCircuitBreaker(
			reliability.WithName(b.Name()),
			reliability.WithFailureThreshold(cfg.failureThreshold),
			reliability.WithResetTimeout(cfg.resetTimeout),
		)
	}

	metrics := cfg.metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	d := &Dispatcher{
		backends: backends,
		breakers: breakers,
		limiter: reliability.NewRateLimiter(
			reliability.WithMaxRequests(cfg.maxRequests),
			reliability.WithTimeWindow(cfg.timeWindow),
		),
		queue:     queue.NewDispatchQueue(queue.WithLogger(cfg.logger)),
		policy:    reliability.NewExponentialBackoff(cfg.retry.InitialDelay, cfg.retry.MaxDelay, cfg.retry.BackoffFactor, cfg.retry.MaxAttempts),
		retry:     cfg.retry,
		sent:      make(map[string]struct{}),
		metrics:   metrics,
		validator: cfg.validator,
		logger:    cfg.logger,
		sleep:     reliability.Sleep,
	}

	return d, nil
}

// Submit validates the inputs, mints a message, and dispatches it, blocking
// until the full dispatch lifecycle concludes. It returns the delivery
// status on success, or an error identifying exactly one failure category.
func (d *Dispatcher) Submit(ctx context.Context, recipient, sender, subject, body string, metadata map[string]string) (*contracts.DeliveryStatus, error) {
	if err := d.validator.Validate(recipient, sender, subject, body); err != nil {
		return nil, err
	}
	return d.SubmitMessage(ctx, contracts.NewMessage(recipient, sender, subject, body, metadata))
}

// SubmitMessage dispatches a caller-constructed message. The message ID is
// the idempotency key: an ID already recorded as sent is rejected with a
// DuplicateMessageError before anything is enqueued.
func (d *Dispatcher) SubmitMessage(ctx context.Context, msg contracts.Message) (*contracts.DeliveryStatus, error) {
	if d.isSent(msg.ID) {
		return nil, &contracts.DuplicateMessageError{MessageID: msg.ID}
	}

	d.logger.Debug("message submitted", "messageId", msg.ID, "recipient", msg.Recipient)

	start := time.Now()
	handle := d.queue.Enqueue(ctx, msg, d.dispatch)

	res := <-handle
	if res.Err != nil {
		d.metrics.RecordFailure(time.Since(start))
		d.logger.Error("message dispatch failed", "messageId", msg.ID, "error", res.Err)
		return nil, res.Err
	}

	d.metrics.RecordSuccess(time.Since(start))
	d.logger.Info("message delivered",
		"messageId", msg.ID,
		"backend", res.Status.Backend,
		"attempts", res.Status.Attempts,
	)
	return res.Status, nil
}

// dispatch runs the full attempt loop for one message. It executes as the
// queue's dispatch function, so at most one invocation is live at a time.
func (d *Dispatcher) dispatch(ctx context.Context, msg contracts.Message) (*contracts.DeliveryStatus, error) {
	if err := d.limiter.Acquire(); err != nil {
		d.logger.Warn("message rejected by rate limiter", "messageId", msg.ID, "error", err)
		return nil, err
	}

	var lastErr error
	var lastBackend string
	var lastOpenErr error

	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		// The jittered delay is computed whether or not it ends up being
		// used, to keep concurrently retrying messages decorrelated.
		delay := d.policy.NextDelay(attempt)

		for _, backend := range d.backends {
			breaker := d.breakers[backend.Name()]

			var status *contracts.DeliveryStatus
			err := breaker.Execute(ctx, func() error {
				s, sendErr := backend.Send(ctx, msg)
				if sendErr != nil {
					return sendErr
				}
				status = s
				return nil
			})

			if err == nil {
				d.markSent(msg.ID)
				status.Attempts = attempt
				status.LastAttempt = time.Now().UTC()
				return status, nil
			}

			if errors.Is(err, reliability.ErrCircuitOpen) {
				// Open circuit: skip this backend without consuming the call
				lastOpenErr = err
				d.logger.Debug("skipping backend with open circuit",
					"messageId", msg.ID, "backend", backend.Name())
				continue
			}

			lastErr = err
			lastBackend = backend.Name()
			d.logger.Warn("backend delivery failed",
				"messageId", msg.ID,
				"backend", backend.Name(),
				"attempt", attempt,
				"error", err,
			)
		}

		if attempt < d.retry.MaxAttempts {
			if err := d.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}

	// When every backend was sitting behind an open circuit the whole way
	// through, the caller learns that rather than a generic exhaustion
	if lastErr == nil && lastOpenErr != nil {
		return nil, lastOpenErr
	}

	return nil, &contracts.AllProvidersFailedError{
		MessageID:   msg.ID,
		Attempts:    d.retry.MaxAttempts,
		LastBackend: lastBackend,
		LastErr:     lastErr,
	}
}

// BackendStatus returns a snapshot of every backend's circuit state
func (d *Dispatcher) BackendStatus() map[string]reliability.State {
	states := make(map[string]reliability.State, len(d.breakers))
	for name, cb := range d.breakers {
		states[name] = cb.GetState()
	}
	return states
}

// QueueLength reports the number of messages pending, including in flight
func (d *Dispatcher) QueueLength() int {
	return d.queue.Length()
}

// CurrentRateCount reports how many admissions sit in the rate window
func (d *Dispatcher) CurrentRateCount() int {
	return d.limiter.CurrentCount()
}

// Metrics returns a point-in-time snapshot of the dispatcher's counters,
// queue depth, and per-backend circuit states
func (d *Dispatcher) Metrics() MetricsSnapshot {
	snap := d.metrics.Snapshot()
	snap.QueueLength = d.queue.Length()
	snap.BackendStates = d.BackendStatus()
	return snap
}

// ResetCircuitBreakers forces every breaker closed with zeroed counters
func (d *Dispatcher) ResetCircuitBreakers() {
	for _, cb := range d.breakers {
		cb.Reset()
	}
	d.logger.Info("circuit breakers reset", "backends", len(d.breakers))
}

// ClearQueue discards all pending messages. Callers blocked in Submit on a
// cleared message are left waiting indefinitely; see DispatchQueue.Clear.
func (d *Dispatcher) ClearQueue() {
	d.queue.Clear()
}

// ClearSentRegistry empties the idempotency set, allowing previously
// delivered message IDs to be submitted again
func (d *Dispatcher) ClearSentRegistry() {
	d.sentMu.Lock()
	defer d.sentMu.Unlock()
	d.sent = make(map[string]struct{})
}

// Close stops the queue worker. Messages still pending resolve with an error.
func (d *Dispatcher) Close() error {
	return d.queue.Close()
}

func (d *Dispatcher) isSent(id string) bool {
	d.sentMu.Lock()
	defer d.sentMu.Unlock()
	_, ok := d.sent[id]
	return ok
}

func (d *Dispatcher) markSent(id string) {
	d.sentMu.Lock()
	defer d.sentMu.Unlock()
	d.sent[id] = struct{}{}
}
