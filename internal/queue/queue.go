package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/dispatch-go/contracts"
)

// ErrQueueClosed is reported through a handle when the queue has been closed
var ErrQueueClosed = errors.New("queue: dispatch queue is closed")

// DispatchFunc performs the full dispatch lifecycle for one message
type DispatchFunc func(ctx context.Context, msg contracts.Message) (*contracts.DeliveryStatus, error)

// Result is the terminal resolution of an enqueued message
type Result struct {
	Status *contracts.DeliveryStatus
	Err    error
}

type entry struct {
	ctx      context.Context
	msg      contracts.Message
	dispatch DispatchFunc
	attempts int
	result   chan Result
}

// DispatchQueue is a single-lane FIFO serializer. A single worker goroutine
// processes one entry at a time, invoking its dispatch function to completion
// before advancing; that exclusivity is the concurrency control the engine
// relies on. A failed entry with attempts remaining moves to the tail rather
// than retrying immediately, so FIFO order is not preserved across retries.
type DispatchQueue struct {
	mu       sync.Mutex
	pending  []*entry
	inFlight bool
	closed   bool

	wake chan struct{}
	done chan struct{}

	maxAttempts int
	logger      *slog.Logger
}

// Option configures the dispatch queue
type Option func(*DispatchQueue)

// WithMaxAttempts sets how many times the queue invokes an entry's dispatch
// function before resolving its handle with failure. The dispatcher runs the
// queue with a single attempt and keeps retry authority in its own loop.
func WithMaxAttempts(attempts int) Option {
	return func(q *DispatchQueue) {
		q.maxAttempts = attempts
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *DispatchQueue) {
		q.logger = logger
	}
}

// NewDispatchQueue creates the queue and starts its worker
func NewDispatchQueue(options ...Option) *DispatchQueue {
	q := &DispatchQueue{
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		maxAttempts: 1,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(q)
	}

	go q.worker()
	return q
}

// Enqueue appends a message to the tail and returns the handle that resolves
// once the message's dispatch lifecycle concludes. It never rejects
// synchronously; a closed queue resolves the handle with ErrQueueClosed.
func (q *DispatchQueue) Enqueue(ctx context.Context, msg contracts.Message, dispatch DispatchFunc) <-chan Result {
	e := &entry{
		ctx:      ctx,
		msg:      msg,
		dispatch: dispatch,
		result:   make(chan Result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		e.result <- Result{Err: ErrQueueClosed}
		return e.result
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return e.result
}

// Length reports the number of pending entries, including the one in flight
func (q *DispatchQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	if q.inFlight {
		n++
	}
	return n
}

// Clear discards all pending entries without resolving their handles.
// Callers awaiting a cleared entry are left pending indefinitely. The
// in-flight entry, if any, runs to completion.
func (q *DispatchQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.pending); n > 0 {
		q.logger.Warn("clearing dispatch queue, pending handles will not resolve", "discarded", n)
	}
	q.pending = nil
}

// Close stops the worker. Entries still pending are resolved with
// ErrQueueClosed; the in-flight entry finishes normally.
func (q *DispatchQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	orphaned := q.pending
	q.pending = nil
	q.mu.Unlock()

	close(q.done)
	for _, e := range orphaned {
		e.result <- Result{Err: ErrQueueClosed}
	}
	return nil
}

func (q *DispatchQueue) worker() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
			for {
				e := q.next()
				if e == nil {
					break
				}
				q.process(e)
			}
		}
	}
}

// next pops the head entry and marks the queue in flight
func (q *DispatchQueue) next() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		q.inFlight = false
		return nil
	}

	e := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight = true
	return e
}

// process runs one entry's dispatch function to completion and either
// requeues it at the tail or resolves its handle
func (q *DispatchQueue) process(e *entry) {
	status, err := e.dispatch(e.ctx, e.msg)
	e.attempts++

	if err == nil {
		e.result <- Result{Status: status}
		return
	}

	if e.attempts < q.maxAttempts {
		q.logger.Debug("requeueing message",
			"messageId", e.msg.ID,
			"attempts", e.attempts,
			"maxAttempts", q.maxAttempts,
		)
		q.mu.Lock()
		if !q.closed {
			q.pending = append(q.pending, e)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		e.result <- Result{Err: ErrQueueClosed}
		return
	}

	e.result <- Result{Err: err}
}
