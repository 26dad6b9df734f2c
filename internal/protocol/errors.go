package protocol

import (
	"errors"
	"fmt"

	"github.com/roach88/constellation/internal/ident"
)

// SchedulerError represents an error surfaced by a scheduling tier.
//
// Scheduler errors include:
//   - Placement: no executor anywhere accepts the activity's context
//   - Routing: the target of a signal is unknown, stale, or unreachable
//   - Delivery: the transport kept failing past the retry budget
//   - Crash: an executor loop terminated abnormally
type SchedulerError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Activity identifies the affected activity, when there is one.
	Activity ident.ActivityID

	// Node is the rank of the node involved, for routing and delivery errors.
	Node uint32

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes scheduler errors.
type ErrorCode string

const (
	// ErrCodePlacement indicates no executor accepts the activity's context.
	ErrCodePlacement ErrorCode = "PLACEMENT"

	// ErrCodeUnknownActivity indicates a signal target was not found anywhere.
	ErrCodeUnknownActivity ErrorCode = "UNKNOWN_ACTIVITY"

	// ErrCodeStaleActivity indicates a signal target is past its discard point.
	ErrCodeStaleActivity ErrorCode = "STALE_ACTIVITY"

	// ErrCodeUnreachable indicates the destination node is not a member.
	ErrCodeUnreachable ErrorCode = "UNREACHABLE"

	// ErrCodeDeliveryFailed indicates the retry budget was exhausted.
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"

	// ErrCodeExecutorCrashed indicates an executor loop terminated abnormally.
	ErrCodeExecutorCrashed ErrorCode = "EXECUTOR_CRASHED"

	// ErrCodeNotAccepting indicates a submission after the drain started.
	ErrCodeNotAccepting ErrorCode = "NOT_ACCEPTING"
)

// ErrNotFound is returned by a tier that does not hold the target of a signal.
// It means "route elsewhere", never a protocol error.
var ErrNotFound = errors.New("activity not held here")

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if !e.Activity.IsZero() {
		msg = fmt.Sprintf("%s (activity=%s)", msg, e.Activity)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SchedulerError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var se *SchedulerError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsPlacementError returns true if no executor accepted the activity.
func IsPlacementError(err error) bool { return hasCode(err, ErrCodePlacement) }

// IsStaleError returns true if the signal target is past its discard point.
func IsStaleError(err error) bool { return hasCode(err, ErrCodeStaleActivity) }

// IsUnknownError returns true if the signal target was not found anywhere.
func IsUnknownError(err error) bool { return hasCode(err, ErrCodeUnknownActivity) }

// IsUnreachableError returns true if the destination node is not a member.
func IsUnreachableError(err error) bool { return hasCode(err, ErrCodeUnreachable) }

// IsDeliveryError returns true if sending exhausted its retry budget.
func IsDeliveryError(err error) bool { return hasCode(err, ErrCodeDeliveryFailed) }

// IsCrashError returns true if an executor loop terminated abnormally.
func IsCrashError(err error) bool { return hasCode(err, ErrCodeExecutorCrashed) }

// IsNotAcceptingError returns true for submissions refused during drain.
func IsNotAcceptingError(err error) bool { return hasCode(err, ErrCodeNotAccepting) }

// NewPlacementError reports that nothing accepts the given context.
func NewPlacementError(context fmt.Stringer) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodePlacement,
		Message: fmt.Sprintf("no executor accepts context %s", context),
	}
}

// NewUnknownError reports a signal target that is held nowhere.
func NewUnknownError(target ident.ActivityID) *SchedulerError {
	return &SchedulerError{
		Code:     ErrCodeUnknownActivity,
		Message:  "signal target not found",
		Activity: target,
		Node:     target.Node(),
	}
}

// NewStaleError reports a signal target that already finished.
func NewStaleError(target ident.ActivityID) *SchedulerError {
	return &SchedulerError{
		Code:     ErrCodeStaleActivity,
		Message:  "signal target already discarded",
		Activity: target,
		Node:     target.Node(),
	}
}

// NewUnreachableError reports a destination node that is not a member.
func NewUnreachableError(node uint32) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeUnreachable,
		Message: fmt.Sprintf("node %d is not reachable", node),
		Node:    node,
	}
}

// NewDeliveryError reports an exhausted retry budget.
func NewDeliveryError(node uint32, attempts int, cause error) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeDeliveryFailed,
		Message: fmt.Sprintf("delivery to node %d failed after %d attempts", node, attempts),
		Node:    node,
		Err:     cause,
	}
}

// NewCrashError reports an executor loop that terminated abnormally.
func NewCrashError(executor ident.ConstellationID, running ident.ActivityID, cause any) *SchedulerError {
	return &SchedulerError{
		Code:     ErrCodeExecutorCrashed,
		Message:  fmt.Sprintf("executor %s crashed: %v", executor, cause),
		Activity: running,
		Node:     executor.Node(),
	}
}

// NewNotAcceptingError reports a submission refused during drain.
func NewNotAcceptingError() *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeNotAccepting,
		Message: "constellation is draining and accepts no new submissions",
	}
}
