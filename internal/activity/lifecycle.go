package activity

import "fmt"

// State is the lifecycle state of an activity.
type State uint8

const (
	Created State = iota
	Queued
	Running
	Suspended
	Relocating
	Completed
	Discarded
)

var stateNames = [...]string{
	Created:    "created",
	Queued:     "queued",
	Running:    "running",
	Suspended:  "suspended",
	Relocating: "relocating",
	Completed:  "completed",
	Discarded:  "discarded",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// transitions lists the legal successors of every state. Queued and Suspended
// may be abandoned straight to Discarded when their executor crashes or the
// node drains with nothing left to resume them.
var transitions = map[State][]State{
	Created:    {Queued},
	Queued:     {Running, Relocating, Discarded},
	Running:    {Completed, Suspended},
	Suspended:  {Queued, Discarded},
	Relocating: {Queued},
	Completed:  {Discarded},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no successors.
func (s State) IsTerminal() bool {
	return s == Discarded
}

// TransitionError reports an illegal lifecycle move.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
