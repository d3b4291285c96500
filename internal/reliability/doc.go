// Package reliability provides the resilience primitives composed by the
// dispatcher: a per-backend circuit breaker, a sliding-window rate limiter,
// and exponential backoff retry policies.
//
// All primitives are safe for concurrent use; the dispatcher's serializing
// queue makes contention rare, but correctness does not depend on it.
package reliability
