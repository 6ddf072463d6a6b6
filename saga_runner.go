package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robbyt/go-fsm"
	"github.com/tidwall/btree"
)

// SagaResult is the terminal report for one saga.
type SagaResult struct {
	SagaID string
	Status string
	// Err carries the cause: the exhausted forward failure for a compensated
	// saga, the compensation or invariant error for a failed one.
	Err error
}

// runnerConfig bundles everything a sagaRunner needs. Built by the
// coordinator for both fresh submissions and log-recovered sagas.
type runnerConfig struct {
	sagaID  string
	plan    *Plan
	params  json.RawMessage
	log     SagaLog
	policy  RetryPolicy
	handler slog.Handler
	metrics *Metrics
	alert   AlertFunc
}

// sagaRunner drives one saga on its own goroutine: strict in-order forward
// execution, durable log append before every advance, and strict-reverse
// compensation on failure. The runner's fields are a cache of the saga log,
// never the other way around.
type sagaRunner struct {
	sagaID  string
	plan    *Plan
	params  json.RawMessage
	log     SagaLog
	policy  RetryPolicy
	machine *fsm.Machine
	logger  *slog.Logger
	metrics *Metrics
	alert   AlertFunc

	stepsByName map[string]Step
	outputs     *btree.Map[string, json.RawMessage]

	// Execution state, restored from the log when resuming.
	startIndex      int
	resumeUnwinding bool
	completed       []string // steps with standing forward effects, in order
	succeeded       map[string]bool
	forwardAttempts map[string]int
	compAttempts    map[string]int

	cancelCh   chan struct{}
	cancelOnce sync.Once

	done   chan struct{}
	result SagaResult
}

func newSagaRunner(cfg runnerConfig) (*sagaRunner, error) {
	machine, err := newStatusMachine(cfg.handler)
	if err != nil {
		return nil, fmt.Errorf("saga %s: creating status machine: %w", cfg.sagaID, err)
	}

	byName := make(map[string]Step, len(cfg.plan.steps))
	for _, s := range cfg.plan.steps {
		byName[s.Name()] = s
	}

	return &sagaRunner{
		sagaID:          cfg.sagaID,
		plan:            cfg.plan,
		params:          cfg.params,
		log:             cfg.log,
		policy:          cfg.policy,
		machine:         machine,
		logger:          slog.New(cfg.handler).With("saga_id", cfg.sagaID),
		metrics:         cfg.metrics,
		alert:           cfg.alert,
		stepsByName:     byName,
		outputs:         btree.NewMap[string, json.RawMessage](10),
		succeeded:       make(map[string]bool),
		forwardAttempts: make(map[string]int),
		compAttempts:    make(map[string]int),
		cancelCh:        make(chan struct{}),
		done:            make(chan struct{}),
	}, nil
}

// newSagaRunnerFromProgress builds a runner that resumes where the log left
// off: forward at the first step with no recorded success, or compensation
// if unwinding had begun.
func newSagaRunnerFromProgress(cfg runnerConfig, prog *progress) (*sagaRunner, error) {
	r, err := newSagaRunner(cfg)
	if err != nil {
		return nil, err
	}

	r.startIndex = prog.resumeForwardIndex()
	r.resumeUnwinding = prog.unwinding
	r.completed = prog.pendingCompensation()
	for _, name := range r.completed {
		r.succeeded[name] = true
	}
	for name, raw := range prog.outputs {
		r.outputs.Set(name, raw)
	}
	// Attempt numbering continues across restarts so retry budgets and alert
	// thresholds hold even when the process does not.
	for name, n := range prog.forwardAttempts {
		r.forwardAttempts[name] = n
	}
	for name, n := range prog.compensateAttempts {
		r.compAttempts[name] = n
	}
	return r, nil
}

// status returns the saga's current externally visible status.
func (r *sagaRunner) status() string {
	return r.machine.GetState()
}

// requestCancel asks the runner to stop and compensate at the next step
// boundary. Cancellation is cooperative, never preemptive mid-step, so a
// forward action's effect is never left unrecorded.
func (r *sagaRunner) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *sagaRunner) cancelRequested() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// run executes the saga to a rest state and returns the result. The ctx is
// the coordinator's lifetime: when it ends mid-saga the runner suspends
// without writing a terminal record, so recovery resumes from the log.
func (r *sagaRunner) run(ctx context.Context) SagaResult {
	defer close(r.done)

	r.transition(StatusRunning)
	r.logger.Info("saga running", "plan", r.plan.Name())

	if r.resumeUnwinding {
		r.logger.Info("resuming compensation from log")
		return r.unwind(ctx, nil)
	}

	steps := r.plan.Steps()
	for i := r.startIndex; i < len(steps); i++ {
		if ctx.Err() != nil {
			return r.finish(SagaResult{SagaID: r.sagaID, Status: r.status(), Err: ctx.Err()})
		}
		if r.cancelRequested() {
			r.logger.Info("saga cancelled; compensating")
			return r.unwind(ctx, ErrSagaCancelled)
		}

		if err := r.runForward(ctx, steps[i]); err != nil {
			var inv *InvariantViolationError
			switch {
			case errors.As(err, &inv):
				return r.fail(ctx, err)
			case ctx.Err() != nil:
				return r.finish(SagaResult{SagaID: r.sagaID, Status: r.status(), Err: err})
			case errors.Is(err, ErrSagaCancelled):
				r.logger.Info("saga cancelled; compensating")
				return r.unwind(ctx, err)
			default:
				return r.unwind(ctx, err)
			}
		}
	}

	r.transition(StatusCompleted)
	r.endDurably(ctx, StatusCompleted)
	r.logger.Info("saga completed")
	return r.finish(SagaResult{SagaID: r.sagaID, Status: StatusCompleted})
}

// unwind compensates all standing forward effects in strict reverse order and
// settles the saga. cause is the forward failure (or cancellation) that
// triggered it.
func (r *sagaRunner) unwind(ctx context.Context, cause error) SagaResult {
	r.transition(StatusCompensating)

	err := r.compensate(ctx)
	if err == nil {
		r.transition(StatusCompensated)
		r.endDurably(ctx, StatusCompensated)
		r.logger.Info("saga compensated", "cause", cause)
		return r.finish(SagaResult{SagaID: r.sagaID, Status: StatusCompensated, Err: cause})
	}

	var compErr *CompensationError
	var invErr *InvariantViolationError
	if errors.As(err, &compErr) || errors.As(err, &invErr) {
		return r.fail(ctx, err)
	}

	// Interrupted by shutdown; the log still shows the saga compensating and
	// recovery will pick it back up.
	return r.finish(SagaResult{SagaID: r.sagaID, Status: r.status(), Err: err})
}

// fail settles the saga as failed: surfaced to the operator, never silently
// swallowed.
func (r *sagaRunner) fail(ctx context.Context, err error) SagaResult {
	var inv *InvariantViolationError
	if errors.As(err, &inv) {
		r.raiseAlert(inv.Step, 0, err)
	}
	r.transition(StatusFailed)
	r.endDurably(ctx, StatusFailed)
	r.logger.Error("saga failed", "error", err)
	return r.finish(SagaResult{SagaID: r.sagaID, Status: StatusFailed, Err: err})
}

func (r *sagaRunner) finish(res SagaResult) SagaResult {
	r.result = res
	return res
}

// runForward drives one step's forward action through its bounded retry
// loop. Every attempt's outcome is durably appended before anything else
// happens.
func (r *sagaRunner) runForward(ctx context.Context, step Step) error {
	name := step.Name()
	sc := r.stepContext(name)
	bo := r.policy.newBackOff()
	attempt := r.forwardAttempts[name]

	for {
		attempt++
		r.forwardAttempts[name] = attempt

		res, err := r.invokeForward(ctx, step, sc)
		if err == nil {
			raw, merr := marshalOutput(res.Output)
			if merr != nil {
				// A non-serializable output cannot get better on retry.
				serr := fmt.Errorf("serializing output of step %q: %w", name, merr)
				if aerr := r.appendDurably(ctx, r.entry(name, ActionForward, OutcomeFailure, attempt, nil, serr)); aerr != nil {
					return aerr
				}
				r.metrics.observeForward(OutcomeFailure)
				return &ActionError{Step: name, Attempts: attempt, Err: serr}
			}

			if aerr := r.appendDurably(ctx, r.entry(name, ActionForward, OutcomeSuccess, attempt, raw, nil)); aerr != nil {
				return aerr
			}
			if raw != nil {
				r.outputs.Set(name, raw)
			}
			r.completed = append(r.completed, name)
			r.succeeded[name] = true
			r.metrics.observeForward(OutcomeSuccess)
			r.logger.Debug("step succeeded", "step", name, "attempt", attempt)
			return nil
		}

		if aerr := r.appendDurably(ctx, r.entry(name, ActionForward, OutcomeFailure, attempt, nil, err)); aerr != nil {
			return aerr
		}
		r.metrics.observeForward(OutcomeFailure)
		if isTimeout(err) {
			r.logger.Warn("step timed out", "step", name, "attempt", attempt)
		} else {
			r.logger.Warn("step failed", "step", name, "attempt", attempt, "error", err)
		}

		if attempt >= r.policy.MaxForwardAttempts {
			return &ActionError{Step: name, Attempts: attempt, Err: err}
		}
		if serr := r.sleepOrCancel(ctx, bo.NextBackOff()); serr != nil {
			return serr
		}
	}
}

// compensate undoes standing forward effects in strict reverse order. Later
// steps may depend on resources reserved by earlier ones, so compensation of
// step i never starts until all compensations for steps after i completed.
func (r *sagaRunner) compensate(ctx context.Context) error {
	for i := len(r.completed) - 1; i >= 0; i-- {
		name := r.completed[i]
		if !r.succeeded[name] {
			return &InvariantViolationError{
				SagaID: r.sagaID,
				Step:   name,
				Reason: "compensating a step with no recorded forward success",
			}
		}
		step, ok := r.stepsByName[name]
		if !ok {
			return &InvariantViolationError{
				SagaID: r.sagaID,
				Step:   name,
				Reason: "step is not part of the saga's plan",
			}
		}
		if err := r.runCompensate(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// runCompensate drives one compensating action. Unlike forward actions the
// retry loop is unbounded by default: leaving the system partially
// compensated breaks consistency, so this is fatal-but-not-abandoned, with
// alerting once attempts pass the threshold.
func (r *sagaRunner) runCompensate(ctx context.Context, step Step) error {
	name := step.Name()
	sc := r.stepContext(name)
	bo := r.policy.newBackOff()
	attempt := r.compAttempts[name]

	for {
		attempt++
		r.compAttempts[name] = attempt

		err := r.invokeCompensate(ctx, step, sc)
		if err == nil {
			if aerr := r.appendDurably(ctx, r.entry(name, ActionCompensate, OutcomeSuccess, attempt, nil, nil)); aerr != nil {
				return aerr
			}
			r.metrics.observeCompensation(OutcomeSuccess)
			r.logger.Debug("step compensated", "step", name, "attempt", attempt)
			return nil
		}

		if aerr := r.appendDurably(ctx, r.entry(name, ActionCompensate, OutcomeFailure, attempt, nil, err)); aerr != nil {
			return aerr
		}
		r.metrics.observeCompensation(OutcomeFailure)
		r.logger.Error("compensation failed", "step", name, "attempt", attempt, "error", err)

		if attempt >= r.policy.AlertAfter {
			r.raiseAlert(name, attempt, err)
		}
		if r.policy.CompensateGiveUp > 0 && attempt >= r.policy.CompensateGiveUp {
			return &CompensationError{Step: name, Attempts: attempt, Err: err}
		}
		// Cancellation does not interrupt compensation; only the
		// coordinator's own shutdown can suspend it.
		if serr := r.sleep(ctx, bo.NextBackOff()); serr != nil {
			return serr
		}
	}
}

// appendDurably writes one log entry, retrying write failures with backoff.
// The saga takes no other action until the append succeeds; only shutdown or
// a validation rejection breaks the loop.
func (r *sagaRunner) appendDurably(ctx context.Context, e LogEntry) error {
	bo := r.policy.newBackOff()
	for {
		err := r.log.Append(ctx, e)
		if err == nil {
			return nil
		}

		var inv *InvariantViolationError
		if errors.As(err, &inv) {
			return err
		}
		if errors.Is(err, ErrSagaNotFound) {
			return err
		}

		var werr *WriteError
		if !errors.As(err, &werr) {
			err = &WriteError{Err: err}
		}
		r.metrics.observeAppendRetry()
		r.logger.Error("saga log append failed; retrying", "entry", e.String(), "error", err)

		if serr := r.sleep(ctx, bo.NextBackOff()); serr != nil {
			return err
		}
	}
}

// endDurably records the terminal status, retrying write failures. If the
// process dies before this lands, recovery replays the saga, finds nothing
// left to do, and writes the record then.
func (r *sagaRunner) endDurably(ctx context.Context, status string) {
	bo := r.policy.newBackOff()
	for {
		err := r.log.End(ctx, r.sagaID, status)
		if err == nil {
			return
		}
		r.metrics.observeAppendRetry()
		r.logger.Error("saga log end failed; retrying", "status", status, "error", err)
		if serr := r.sleep(ctx, bo.NextBackOff()); serr != nil {
			return
		}
	}
}

func (r *sagaRunner) invokeForward(ctx context.Context, step Step, sc *StepContext) (StepResult, error) {
	actx := ctx
	if r.policy.StepTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.policy.StepTimeout)
		defer cancel()
	}
	res, err := step.Forward(actx, sc)
	if err != nil && actx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("step %q deadline exceeded: %w", step.Name(), context.DeadlineExceeded)
	}
	return res, err
}

func (r *sagaRunner) invokeCompensate(ctx context.Context, step Step, sc *StepContext) error {
	actx := ctx
	if r.policy.StepTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.policy.StepTimeout)
		defer cancel()
	}
	err := step.Compensate(actx, sc)
	if err != nil && actx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("step %q compensation deadline exceeded: %w", step.Name(), context.DeadlineExceeded)
	}
	return err
}

func (r *sagaRunner) stepContext(stepName string) *StepContext {
	return &StepContext{
		SagaID:   r.sagaID,
		StepName: stepName,
		Params:   r.params,
		outputs:  r.outputs,
	}
}

func (r *sagaRunner) entry(stepName string, action ActionType, outcome Outcome, attempt int, output json.RawMessage, cause error) LogEntry {
	e := LogEntry{
		SagaID:    r.sagaID,
		StepName:  stepName,
		Action:    action,
		Outcome:   outcome,
		Attempt:   attempt,
		Output:    output,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

func (r *sagaRunner) raiseAlert(stepName string, attempts int, err error) {
	r.metrics.observeAlert()
	r.logger.Error("saga alert", "step", stepName, "attempts", attempts, "error", err)
	if r.alert != nil {
		r.alert(r.sagaID, stepName, attempts, err)
	}
}

// transition moves the status machine. Transitions are driven only from the
// runner's own goroutine against the allowed-transition map, so a rejection
// here is a bug worth shouting about, not a recoverable condition.
func (r *sagaRunner) transition(status string) {
	if err := r.machine.Transition(status); err != nil {
		r.logger.Error("illegal status transition", "to", status, "error", err)
	}
}

// sleep waits out a backoff interval, aborting on coordinator shutdown.
func (r *sagaRunner) sleep(ctx context.Context, d time.Duration) error {
	if d < 0 {
		d = r.policy.MaxInterval
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleepOrCancel additionally aborts when the saga is cancelled, so a forward
// retry loop yields to compensation without waiting out its backoff.
func (r *sagaRunner) sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d < 0 {
		d = r.policy.MaxInterval
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.cancelCh:
		return ErrSagaCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func marshalOutput(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
