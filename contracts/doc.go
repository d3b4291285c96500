// Package contracts provides the core value types shared by the dispatch engine
// and its delivery backends.
//
// The package defines:
//   - Message: an immutable dispatch request, identified by its idempotency key
//   - DeliveryStatus: the terminal outcome reported for a message
//   - The error taxonomy surfaced to callers of the dispatcher
//
// All types are serializable so backends can put them on the wire unchanged.
package contracts
