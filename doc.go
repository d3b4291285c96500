// Package dispatch is a resilience engine for delivering discrete messages
// through interchangeable backends. It composes a sliding-window rate
// limiter, per-backend circuit breakers, and a serializing queue around a
// dispatch loop with exponential backoff and provider fallback.
//
// A message submitted through Dispatcher.Submit runs its full lifecycle to a
// terminal outcome: either a DeliveryStatus with status "sent", or an error
// naming exactly one failure category (invalid input, duplicate, rate limit,
// or all providers failed). Queued work is held in memory only and does not
// survive a restart.
package dispatch
