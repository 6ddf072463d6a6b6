package orchestrate

import (
	"log/slog"

	"github.com/robbyt/go-fsm"
)

// Saga status constants.
const (
	// StatusPending: submitted, not yet started by its runner.
	StatusPending = "pending"
	// StatusRunning: forward actions are executing in order.
	StatusRunning = "running"
	// StatusCompleted: every forward action succeeded (terminal).
	StatusCompleted = "completed"
	// StatusCompensating: a step failed or the saga was cancelled;
	// compensations are running in strict reverse order.
	StatusCompensating = "compensating"
	// StatusCompensated: all compensations for succeeded steps themselves
	// succeeded (terminal).
	StatusCompensated = "compensated"
	// StatusFailed: a compensation exhausted its give-up threshold or an
	// invariant was violated; manual intervention required (terminal).
	StatusFailed = "failed"
)

// StatusTransitions defines the valid status transitions for a saga.
var StatusTransitions = map[string][]string{
	StatusPending:      {StatusRunning, StatusFailed},
	StatusRunning:      {StatusCompleted, StatusCompensating, StatusFailed},
	StatusCompensating: {StatusCompensated, StatusFailed},

	// Terminal states
	StatusCompleted:   {},
	StatusCompensated: {},
	StatusFailed:      {},
}

// IsTerminalStatus reports whether a saga in this status will never change
// again.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// newStatusMachine creates the per-saga status state machine.
func newStatusMachine(handler slog.Handler) (*fsm.Machine, error) {
	return fsm.New(handler, StatusPending, StatusTransitions)
}
