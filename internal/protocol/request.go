package protocol

import (
	"fmt"

	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/policy"
)

// StealRequest asks a tier for up to Size activities the requester can run.
//
// The request starts local. SetRemote is called when it crosses a network hop;
// the flag is never serialized, so every receiving node sees a remote request.
type StealRequest struct {
	Source                ident.ConstellationID
	Context               policy.ExecutorContext
	LocalStrategy         policy.StealStrategy
	ConstellationStrategy policy.StealStrategy
	RemoteStrategy        policy.StealStrategy
	Pool                  policy.StealPool
	Size                  int

	remote bool
}

// NewStealRequest builds a local request. Sizes below 1 are raised to 1.
func NewStealRequest(source ident.ConstellationID, ctx policy.ExecutorContext,
	local, constellation, remote policy.StealStrategy, pool policy.StealPool, size int) *StealRequest {
	if size < 1 {
		size = 1
	}
	return &StealRequest{
		Source:                source,
		Context:               ctx,
		LocalStrategy:         local,
		ConstellationStrategy: constellation,
		RemoteStrategy:        remote,
		Pool:                  pool,
		Size:                  size,
	}
}

// IsLocal reports whether the request has not crossed a network hop.
func (r *StealRequest) IsLocal() bool {
	return !r.remote
}

// SetRemote marks the request as having crossed a network hop.
func (r *StealRequest) SetRemote() {
	r.remote = true
}

// Clone returns a copy that can be modified independently.
func (r *StealRequest) Clone() *StealRequest {
	c := *r
	return &c
}

// Validate checks the request fields.
func (r *StealRequest) Validate() error {
	if r.Size < 1 {
		return fmt.Errorf("steal request: size %d < 1", r.Size)
	}
	if r.Context.IsEmpty() {
		return fmt.Errorf("steal request: empty context")
	}
	for _, s := range []policy.StealStrategy{r.LocalStrategy, r.ConstellationStrategy, r.RemoteStrategy} {
		if !s.Valid() {
			return fmt.Errorf("steal request: %w: %s", policy.ErrInvalidStrategy, s)
		}
	}
	return nil
}

func (r *StealRequest) String() string {
	return fmt.Sprintf("steal(source=%s ctx=%s size=%d pool=%s local=%t)",
		r.Source, r.Context, r.Size, r.Pool, r.IsLocal())
}
