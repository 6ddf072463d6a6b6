package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/btree"
)

// Step is one participant's unit of work in a saga: an idempotent forward
// action and the idempotent compensating action that semantically undoes it.
//
// Both actions must be safe to invoke more than once with the same
// (saga ID, step name) key: after a crash-recovery replay the coordinator may
// re-invoke an action without knowing whether the prior attempt's result was
// observed. Compensate must succeed even if the forward action was never
// observed to complete.
type Step interface {
	Forward(ctx context.Context, sc *StepContext) (StepResult, error)
	Compensate(ctx context.Context, sc *StepContext) error
	Name() string
}

// StepResult is the result of a successful forward action. Output, if
// non-nil, is serialized into the saga log entry and made available to later
// steps through StepContext.Lookup.
type StepResult struct {
	Output any
}

// StepContext carries per-invocation data into a step's actions. The
// coordinator never touches participant internals; this is the entire surface
// it hands them.
type StepContext struct {
	SagaID   string
	StepName string
	// Params is the saga-level parameter blob supplied at submission.
	Params json.RawMessage

	outputs *btree.Map[string, json.RawMessage]
}

// Lookup returns the serialized output of a previously succeeded step.
func (sc *StepContext) Lookup(stepName string) (json.RawMessage, bool) {
	if sc.outputs == nil {
		return nil, false
	}
	return sc.outputs.Get(stepName)
}

// LookupOutput unmarshals the output of a previously succeeded step into v.
func (sc *StepContext) LookupOutput(stepName string, v any) error {
	raw, ok := sc.Lookup(stepName)
	if !ok {
		return fmt.Errorf("no output recorded for step %q", stepName)
	}
	return json.Unmarshal(raw, v)
}

// ForwardFunc performs a step's unit of work.
type ForwardFunc func(ctx context.Context, sc *StepContext) (StepResult, error)

// CompensateFunc undoes the effect of a previously succeeded forward action.
type CompensateFunc func(ctx context.Context, sc *StepContext) error

// StepFunc is a Step implemented by ordinary functions.
type StepFunc struct {
	name       string
	forward    ForwardFunc
	compensate CompensateFunc
}

// NewStep constructs a Step from a pair of functions.
func NewStep(name string, forward ForwardFunc, compensate CompensateFunc) *StepFunc {
	return &StepFunc{
		name:       name,
		forward:    forward,
		compensate: compensate,
	}
}

// NoOpCompensate is a compensating action for steps with no effect to undo.
func NoOpCompensate(_ context.Context, _ *StepContext) error {
	return nil
}

// NewStepWithNoOpCompensate constructs a Step whose compensation does nothing.
func NewStepWithNoOpCompensate(name string, forward ForwardFunc) *StepFunc {
	return NewStep(name, forward, NoOpCompensate)
}

// Forward implements the Step interface for StepFunc.
func (s *StepFunc) Forward(ctx context.Context, sc *StepContext) (StepResult, error) {
	return s.forward(ctx, sc)
}

// Compensate implements the Step interface for StepFunc.
func (s *StepFunc) Compensate(ctx context.Context, sc *StepContext) error {
	return s.compensate(ctx, sc)
}

// Name implements the Step interface for StepFunc.
func (s *StepFunc) Name() string {
	return s.name
}

// String implements the fmt.Stringer interface for StepFunc.
func (s *StepFunc) String() string {
	return fmt.Sprintf("StepFunc(%s)", s.name)
}
