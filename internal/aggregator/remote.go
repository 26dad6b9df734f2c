package aggregator

import (
	"context"

	"github.com/roach88/constellation/internal/activity"
	"github.com/roach88/constellation/internal/protocol"
)

// Remote is the distributed tier as seen from a node.
type Remote interface {
	// Steal asks other nodes for work on behalf of req.Source. Work that
	// arrives is admitted through Adopt; Steal returns how much was admitted
	// for this request.
	Steal(ctx context.Context, req *protocol.StealRequest) int
	// Route sends a signal to the node with the given rank.
	Route(sig activity.Signal, node uint32) error
	// Place hands a created activity to another node that accepts its context.
	// It returns the rank of the node that took it.
	Place(rec *activity.Record) (uint32, error)
}
