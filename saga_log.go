package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionType identifies which of a step's two actions a log entry records.
type ActionType string

const (
	ActionForward    ActionType = "forward"
	ActionCompensate ActionType = "compensate"
)

// Outcome is the result of one action attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// LogEntry is one append-only record of a step action's outcome. Entries for
// a saga are totally ordered and monotonic: no entry for step N+1 exists
// unless step N's forward entry records success.
type LogEntry struct {
	SagaID    string          `json:"saga_id"`
	StepName  string          `json:"step_name"`
	Action    ActionType      `json:"action"`
	Outcome   Outcome         `json:"outcome"`
	Attempt   int             `json:"attempt"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// String implements the fmt.Stringer interface for LogEntry.
func (e *LogEntry) String() string {
	return fmt.Sprintf("%s %s/%s attempt=%d", e.StepName, e.Action, e.Outcome, e.Attempt)
}

// PlanRecord is the durable representation of a saga's plan, written once at
// submission so the saga can be rebuilt from the log after a restart.
type PlanRecord struct {
	Name   string          `json:"name"`
	Steps  []string        `json:"steps"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SagaRecord is everything the log knows about one saga.
type SagaRecord struct {
	SagaID  string
	Plan    PlanRecord
	Entries []LogEntry
	// Final is the terminal status recorded by End, or "" while in flight.
	Final string
}

// SagaLog is the durable, append-only record of saga progress. It is the
// single source of truth for "did this step's action happen": the
// coordinator's in-memory state is a cache of the log, never the other way
// around. Appends from concurrent sagas must be safe; entries within one
// saga ID are totally ordered.
type SagaLog interface {
	// Begin durably records a new saga and its plan before any step runs.
	Begin(ctx context.Context, sagaID string, plan PlanRecord) error

	// Append records one action outcome. The coordinator does not proceed
	// past a step until its append succeeds.
	Append(ctx context.Context, entry LogEntry) error

	// End records the saga's terminal status.
	End(ctx context.Context, sagaID string, status string) error

	// ReadSaga returns the ordered entries for a saga, for status queries
	// and for reconstructing in-flight sagas at startup.
	ReadSaga(ctx context.Context, sagaID string) (*SagaRecord, error)

	// ActiveSagas lists sagas that have begun but not ended.
	ActiveSagas(ctx context.Context) ([]string, error)
}

// stepState is the replayed state of one step within a saga.
type stepState int

const (
	stepNotStarted stepState = iota
	stepForwardRetrying
	stepSucceeded
	stepCompensateRetrying
	stepCompensated
)

// String returns the string representation of the stepState.
func (s stepState) String() string {
	switch s {
	case stepNotStarted:
		return "not_started"
	case stepForwardRetrying:
		return "forward_retrying"
	case stepSucceeded:
		return "succeeded"
	case stepCompensateRetrying:
		return "compensate_retrying"
	case stepCompensated:
		return "compensated"
	default:
		return fmt.Sprintf("unknown stepState: %d", s)
	}
}

// progress replays a saga's log entries against its plan and validates the
// ordering invariants as each entry is applied. It is used by the validating
// in-memory log, by recovery, and by status derivation.
type progress struct {
	sagaID string
	order  []string
	index  map[string]int
	states []stepState

	// unwinding is set once the first compensate entry is applied; forward
	// entries are illegal from then on.
	unwinding bool

	forwardAttempts    map[string]int
	compensateAttempts map[string]int
	outputs            map[string]json.RawMessage
}

// newProgress creates an empty progress tracker for a saga with the given
// step order.
func newProgress(sagaID string, stepOrder []string) *progress {
	idx := make(map[string]int, len(stepOrder))
	for i, name := range stepOrder {
		idx[name] = i
	}
	return &progress{
		sagaID:             sagaID,
		order:              append([]string(nil), stepOrder...),
		index:              idx,
		states:             make([]stepState, len(stepOrder)),
		forwardAttempts:    make(map[string]int),
		compensateAttempts: make(map[string]int),
		outputs:            make(map[string]json.RawMessage),
	}
}

// replayProgress applies a full entry sequence, failing on the first entry
// that violates the ordering invariants.
func replayProgress(sagaID string, stepOrder []string, entries []LogEntry) (*progress, error) {
	p := newProgress(sagaID, stepOrder)
	for i := range entries {
		if err := p.apply(entries[i]); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// apply validates one entry against the current state and applies it.
func (p *progress) apply(e LogEntry) error {
	if e.SagaID != p.sagaID {
		return &InvariantViolationError{
			SagaID: p.sagaID,
			Step:   e.StepName,
			Reason: fmt.Sprintf("entry belongs to saga %s", e.SagaID),
		}
	}
	i, ok := p.index[e.StepName]
	if !ok {
		return &InvariantViolationError{
			SagaID: p.sagaID,
			Step:   e.StepName,
			Reason: "step is not part of the saga's plan",
		}
	}

	switch e.Action {
	case ActionForward:
		return p.applyForward(e, i)
	case ActionCompensate:
		return p.applyCompensate(e, i)
	default:
		return &InvariantViolationError{
			SagaID: p.sagaID,
			Step:   e.StepName,
			Reason: fmt.Sprintf("unknown action type %q", e.Action),
		}
	}
}

func (p *progress) applyForward(e LogEntry, i int) error {
	if p.unwinding {
		return &InvariantViolationError{
			SagaID: p.sagaID,
			Step:   e.StepName,
			Reason: "forward entry after compensation began",
		}
	}
	for j := 0; j < i; j++ {
		if p.states[j] != stepSucceeded {
			return &InvariantViolationError{
				SagaID: p.sagaID,
				Step:   e.StepName,
				Reason: fmt.Sprintf("forward entry before step %q succeeded", p.order[j]),
			}
		}
	}
	switch p.states[i] {
	case stepNotStarted, stepForwardRetrying:
	default:
		return &InvariantViolationError{
			SagaID: p.sagaID,
			Step:   e.StepName,
			Reason: fmt.Sprintf("forward entry for step in state %s", p.states[i]),
		}
	}

	p.forwardAttempts[e.StepName]++
	if e.Outcome == OutcomeSuccess {
		p.states[i] = stepSucceeded
		if e.Output != nil {
			p.outputs[e.StepName] = e.Output
		}
	} else {
		p.states[i] = stepForwardRetrying
	}
	return nil
}

func (p *progress) applyCompensate(e LogEntry, i int) error {
	switch p.states[i] {
	case stepSucceeded, stepCompensateRetrying:
	default:
		return &InvariantViolationError{
			SagaID: p.sagaID,
			Step:   e.StepName,
			Reason: "compensate entry for a step never recorded as succeeded",
		}
	}
	// Compensation runs in strict reverse order: every succeeded step after
	// this one must already be compensated.
	for j := i + 1; j < len(p.order); j++ {
		if p.states[j] == stepSucceeded || p.states[j] == stepCompensateRetrying {
			return &InvariantViolationError{
				SagaID: p.sagaID,
				Step:   e.StepName,
				Reason: fmt.Sprintf("compensate entry before step %q was compensated", p.order[j]),
			}
		}
	}

	p.unwinding = true
	p.compensateAttempts[e.StepName]++
	if e.Outcome == OutcomeSuccess {
		p.states[i] = stepCompensated
	} else {
		p.states[i] = stepCompensateRetrying
	}
	return nil
}

// resumeForwardIndex returns the index of the first step with no recorded
// forward success. Equals len(order) when every step succeeded.
func (p *progress) resumeForwardIndex() int {
	for i, s := range p.states {
		if s != stepSucceeded {
			return i
		}
	}
	return len(p.order)
}

// succeeded reports whether the step's forward success is on record and not
// yet compensated.
func (p *progress) succeeded(stepName string) bool {
	i, ok := p.index[stepName]
	if !ok {
		return false
	}
	return p.states[i] == stepSucceeded || p.states[i] == stepCompensateRetrying
}

// pendingCompensation returns, in forward order, the steps whose effects are
// still standing and must be compensated during unwinding.
func (p *progress) pendingCompensation() []string {
	var names []string
	for i, s := range p.states {
		if s == stepSucceeded || s == stepCompensateRetrying {
			names = append(names, p.order[i])
		}
	}
	return names
}

// deriveStatus computes a saga's externally visible status from its record.
func deriveStatus(rec *SagaRecord) (string, error) {
	if rec.Final != "" {
		return rec.Final, nil
	}
	p, err := replayProgress(rec.SagaID, rec.Plan.Steps, rec.Entries)
	if err != nil {
		return "", err
	}
	switch {
	case p.unwinding:
		return StatusCompensating, nil
	case len(rec.Entries) == 0:
		return StatusPending, nil
	default:
		return StatusRunning, nil
	}
}

// formatEntries is a helper for pretty-printing a saga's entries.
func formatEntries(sagaID string, entries []LogEntry) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("saga %s (%d entries):\n", sagaID, len(entries)))
	for i := range entries {
		sb.WriteString(fmt.Sprintf("%03d %s\n", i+1, entries[i].String()))
	}
	return sb.String()
}
