package activity

import (
	"github.com/roach88/constellation/internal/ident"
	"github.com/roach88/constellation/internal/ir"
	"github.com/roach88/constellation/internal/policy"
)

// Outcome tells the executor what to do with an activity after a step.
type Outcome int

const (
	// Suspend parks the activity until a signal arrives.
	Suspend Outcome = iota + 1
	// Finish completes the activity.
	Finish
)

func (o Outcome) String() string {
	switch o {
	case Suspend:
		return "suspend"
	case Finish:
		return "finish"
	default:
		return "unknown"
	}
}

// Locality restricts where an activity may be stolen to.
type Locality uint8

const (
	// Roaming activities may move to any executor on any node.
	Roaming Locality = iota
	// NodeLocal activities may only move between executors of their node.
	NodeLocal
	// Pinned activities never leave the executor that admitted them.
	Pinned
)

func (l Locality) String() string {
	switch l {
	case Roaming:
		return "roaming"
	case NodeLocal:
		return "node-local"
	case Pinned:
		return "pinned"
	default:
		return "unknown"
	}
}

// MayMove reports whether an activity with locality l may be handed to a
// request; isLocal is false once the request crossed a network hop.
func (l Locality) MayMove(isLocal bool) bool {
	switch l {
	case Roaming:
		return true
	case NodeLocal:
		return isLocal
	default:
		return false
	}
}

// Signal is an event addressed to one activity.
type Signal struct {
	Source  ident.ActivityID
	Target  ident.ActivityID
	Payload ir.IRValue
}

// Runtime is what an executing activity can do.
type Runtime interface {
	// Self returns the identifier of the running activity.
	Self() ident.ActivityID
	// Executor returns the identifier of the executor running the activity.
	Executor() ident.ConstellationID
	// Submit admits a new activity, enqueued on the current executor when it accepts it.
	Submit(a Activity) (ident.ActivityID, error)
	// Send routes a signal from the running activity to target.
	Send(target ident.ActivityID, payload ir.IRValue) error
}

// Activity is a unit of work run by an executor.
type Activity interface {
	// Context is the declared context used for placement and stealing.
	Context() policy.Context
	// ExpectsEvents reports whether the activity waits for signals.
	ExpectsEvents() bool
	// Locality restricts stealing.
	Locality() Locality
	// Run is called once, the first time the activity executes.
	Run(rt Runtime) (Outcome, error)
	// OnSignal is called once per delivered signal, in send order.
	OnSignal(rt Runtime, sig Signal) (Outcome, error)
	// Cleanup is called after the activity finished.
	Cleanup(rt Runtime)
}

// Relocatable is an activity that can be serialized and rebuilt on another node.
type Relocatable interface {
	Activity
	// Kind names the Factory that rebuilds the activity.
	Kind() string
	// State captures everything needed to continue the activity elsewhere.
	State() (ir.IRObject, error)
}

// Meta carries the scheduling attributes of an activity. Embed it to get the
// attribute methods of Activity and a no-op Cleanup.
type Meta struct {
	Ctx    policy.Context
	Events bool
	Place  Locality
}

// Context returns the declared context.
func (m Meta) Context() policy.Context { return m.Ctx }

// ExpectsEvents reports whether the activity waits for signals.
func (m Meta) ExpectsEvents() bool { return m.Events }

// Locality returns the stealing restriction.
func (m Meta) Locality() Locality { return m.Place }

// Cleanup does nothing.
func (Meta) Cleanup(Runtime) {}

// MetaOf extracts the scheduling attributes of any activity.
func MetaOf(a Activity) Meta {
	return Meta{Ctx: a.Context(), Events: a.ExpectsEvents(), Place: a.Locality()}
}
