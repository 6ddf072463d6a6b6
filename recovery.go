package orchestrate

import (
	"context"
	"errors"
	"fmt"
)

// Recover scans the saga log for sagas that began but never reached a
// terminal status and resumes each one: forward from the first step with no
// recorded success, or compensation from where unwinding stopped. Completed
// work is never redone; the attempted-step set is reconstructed entirely from
// the log.
//
// Sagas whose logs violate the ordering invariants are not repaired: each is
// marked failed, alerted, and skipped. Recover returns the IDs of the sagas
// it resumed.
//
// Call Recover once at startup, before serving new submissions. Resuming a
// saga that is already resident is a no-op.
func (c *Coordinator) Recover(ctx context.Context) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrCoordinatorClosed
	}

	ids, err := c.log.ActiveSagas(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active sagas: %w", err)
	}

	var resumed []string
	for _, sagaID := range ids {
		if _, ok := c.sagas.Load(sagaID); ok {
			continue
		}
		ok, err := c.resume(ctx, sagaID)
		if err != nil {
			return resumed, err
		}
		if ok {
			resumed = append(resumed, sagaID)
		}
	}

	c.logger.Info("recovery complete", "active", len(ids), "resumed", len(resumed))
	return resumed, nil
}

// resume rebuilds one saga from its log record and launches a runner for it.
// Returns false when the saga needed no resumption or was condemned for an
// invariant violation.
func (c *Coordinator) resume(ctx context.Context, sagaID string) (bool, error) {
	rec, err := c.log.ReadSaga(ctx, sagaID)
	if err != nil {
		return false, fmt.Errorf("reading saga %s: %w", sagaID, err)
	}
	if rec.Final != "" {
		// Already terminal; a stale active listing.
		return false, nil
	}

	plan, err := NewPlanFromRecord(rec.Plan, c.registry)
	if err != nil {
		return false, fmt.Errorf("rebuilding plan for saga %s: %w", sagaID, err)
	}

	prog, err := replayProgress(sagaID, rec.Plan.Steps, rec.Entries)
	if err != nil {
		var inv *InvariantViolationError
		if errors.As(err, &inv) {
			return false, c.condemn(ctx, sagaID, inv)
		}
		return false, fmt.Errorf("replaying saga %s: %w", sagaID, err)
	}

	runner, err := newSagaRunnerFromProgress(runnerConfig{
		sagaID:  sagaID,
		plan:    plan,
		params:  rec.Plan.Params,
		log:     c.log,
		policy:  c.policy,
		handler: c.handler,
		metrics: c.metrics,
		alert:   c.alert,
	}, prog)
	if err != nil {
		return false, err
	}

	c.logger.Info("resuming saga",
		"saga_id", sagaID,
		"plan", rec.Plan.Name,
		"unwinding", prog.unwinding,
		"next_step", runner.startIndex)
	c.start(runner)
	return true, nil
}

// condemn marks a saga with an invariant-violating log as failed and alerts.
// The log is never rewritten to "fix" it; the entries stay for forensics.
func (c *Coordinator) condemn(ctx context.Context, sagaID string, inv *InvariantViolationError) error {
	c.logger.Error("saga log violates ordering invariants; marking failed",
		"saga_id", sagaID, "error", inv)
	c.metrics.observeAlert()
	if c.alert != nil {
		c.alert(sagaID, inv.Step, 0, inv)
	}
	if err := c.log.End(ctx, sagaID, StatusFailed); err != nil {
		return fmt.Errorf("marking saga %s failed: %w", sagaID, err)
	}
	c.metrics.observeFinished(StatusFailed)
	return nil
}
