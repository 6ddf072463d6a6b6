package orchestrate

import (
	"context"
	"errors"
	"fmt"
)

// ErrSagaNotFound is returned when a saga ID is unknown to both the
// coordinator and the saga log.
var ErrSagaNotFound = errors.New("saga not found")

// ErrSagaCancelled is the cause recorded when a saga is cancelled externally
// and unwound at the next step boundary.
var ErrSagaCancelled = errors.New("saga cancelled")

// ErrCoordinatorClosed is returned by Submit after Shutdown has begun.
var ErrCoordinatorClosed = errors.New("coordinator is shut down")

// ActionError represents a forward action that failed after exhausting its
// retry budget.
type ActionError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("forward action %q failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// CompensationError represents a compensating action that failed past the
// configured give-up threshold. This is the irrecoverable case: the saga is
// left partially compensated and surfaced to the operator as failed.
type CompensationError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensating action %q failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// WriteError indicates the saga log could not durably record an entry. The
// coordinator never advances past a step until the append succeeds.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("saga log write failed: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// InvariantViolationError indicates the log or in-memory state reached a
// combination that the protocol forbids, such as a compensate entry for a
// step never recorded as succeeded. It is always a programming or
// configuration error, aborts the saga with a failed status, and is never
// repaired silently.
type InvariantViolationError struct {
	SagaID string
	Step   string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("saga %s: invariant violation: %s", e.SagaID, e.Reason)
	}
	return fmt.Sprintf("saga %s: invariant violation at step %q: %s", e.SagaID, e.Step, e.Reason)
}

// isTimeout reports whether an action failure was caused by the per-step
// deadline. Timeouts are treated identically to action failures for retry
// purposes.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
