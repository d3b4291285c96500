// Package delivery defines the capability contract every delivery backend
// implements, and hosts the concrete backend adapters in its subpackages.
package delivery

import (
	"context"

	"github.com/glimte/dispatch-go/contracts"
)

// Backend is an interchangeable delivery mechanism. The dispatch engine only
// depends on this contract; transport mechanics live entirely behind it.
type Backend interface {
	// Name identifies the backend; it keys the per-backend circuit breaker
	Name() string

	// Send delivers a single message and reports its status. A backend error
	// means delivery could not complete.
	Send(ctx context.Context, msg contracts.Message) (*contracts.DeliveryStatus, error)

	// IsAvailable is a lightweight, non-destructive health probe. It must not
	// panic; implementations report internal failures as false.
	IsAvailable(ctx context.Context) bool
}
