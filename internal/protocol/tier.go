package protocol

import (
	"context"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/ident"
)

// Tier is the capability shared by the executor, the aggregator and the
// coordinator.
type Tier interface {
	// Submit admits an activity and returns its identifier.
	Submit(a activity.Activity) (ident.ActivityID, error)
	// HandleSteal hands over up to req.Size queued activities. An empty result
	// is the normal "nothing to steal" outcome.
	HandleSteal(ctx context.Context, req *StealRequest) []*activity.Record
	// DeliverSignal hands a signal to the activity it addresses. ErrNotFound
	// means the target is not held by this tier.
	DeliverSignal(sig activity.Signal) error
}
