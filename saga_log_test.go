package orchestrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var threeSteps = []string{"reserve", "charge", "ship"}

func TestProgressHappyPath(t *testing.T) {
	entries := []LogEntry{
		forwardSuccess("s1", "reserve", 1),
		forwardSuccess("s1", "charge", 1),
		forwardSuccess("s1", "ship", 1),
	}

	p, err := replayProgress("s1", threeSteps, entries)
	require.NoError(t, err)
	assert.Equal(t, 3, p.resumeForwardIndex())
	assert.False(t, p.unwinding)
	assert.Equal(t, []string{"reserve", "charge", "ship"}, p.pendingCompensation())
}

func TestProgressForwardRetriesThenSuccess(t *testing.T) {
	entries := []LogEntry{
		forwardFailure("s1", "reserve", 1),
		forwardFailure("s1", "reserve", 2),
		forwardSuccess("s1", "reserve", 3),
	}

	p, err := replayProgress("s1", threeSteps, entries)
	require.NoError(t, err)
	assert.Equal(t, 1, p.resumeForwardIndex())
	assert.Equal(t, 3, p.forwardAttempts["reserve"])
	assert.True(t, p.succeeded("reserve"))
}

func TestProgressRejectsPrematureForward(t *testing.T) {
	// charge before reserve succeeded
	entries := []LogEntry{
		forwardSuccess("s1", "charge", 1),
	}

	_, err := replayProgress("s1", threeSteps, entries)
	var inv *InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "charge", inv.Step)
}

func TestProgressRejectsForwardAfterUnwinding(t *testing.T) {
	entries := []LogEntry{
		forwardSuccess("s1", "reserve", 1),
		compensateSuccess("s1", "reserve", 1),
		forwardSuccess("s1", "charge", 1),
	}

	_, err := replayProgress("s1", threeSteps, entries)
	var inv *InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Contains(t, inv.Reason, "after compensation began")
}

func TestProgressRejectsCompensateWithoutForwardSuccess(t *testing.T) {
	entries := []LogEntry{
		forwardFailure("s1", "reserve", 1),
		compensateSuccess("s1", "reserve", 1),
	}

	_, err := replayProgress("s1", threeSteps, entries)
	var inv *InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Contains(t, inv.Reason, "never recorded as succeeded")
}

func TestProgressRejectsOutOfOrderCompensation(t *testing.T) {
	// reserve compensated before charge, violating strict reverse order.
	entries := []LogEntry{
		forwardSuccess("s1", "reserve", 1),
		forwardSuccess("s1", "charge", 1),
		compensateSuccess("s1", "reserve", 1),
	}

	_, err := replayProgress("s1", threeSteps, entries)
	var inv *InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "reserve", inv.Step)
}

func TestProgressRejectsUnknownStep(t *testing.T) {
	_, err := replayProgress("s1", threeSteps, []LogEntry{
		forwardSuccess("s1", "refuel", 1),
	})
	var inv *InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Contains(t, inv.Reason, "not part of the saga's plan")
}

func TestProgressRejectsForeignSagaEntry(t *testing.T) {
	_, err := replayProgress("s1", threeSteps, []LogEntry{
		forwardSuccess("other", "reserve", 1),
	})
	var inv *InvariantViolationError
	require.ErrorAs(t, err, &inv)
}

func TestProgressPendingCompensationAfterPartialUnwind(t *testing.T) {
	entries := []LogEntry{
		forwardSuccess("s1", "reserve", 1),
		forwardSuccess("s1", "charge", 1),
		forwardFailure("s1", "ship", 1),
		compensateSuccess("s1", "charge", 1),
	}

	p, err := replayProgress("s1", threeSteps, entries)
	require.NoError(t, err)
	assert.True(t, p.unwinding)
	// ship never succeeded, charge already compensated; only reserve remains.
	assert.Equal(t, []string{"reserve"}, p.pendingCompensation())
}

func TestProgressCompensateRetrying(t *testing.T) {
	entries := []LogEntry{
		forwardSuccess("s1", "reserve", 1),
		compensateFailure("s1", "reserve", 1),
	}

	p, err := replayProgress("s1", threeSteps, entries)
	require.NoError(t, err)
	assert.True(t, p.unwinding)
	assert.Equal(t, []string{"reserve"}, p.pendingCompensation())
	assert.Equal(t, 1, p.compensateAttempts["reserve"])
}

func TestDeriveStatus(t *testing.T) {
	rec := &SagaRecord{
		SagaID: "s1",
		Plan:   PlanRecord{Name: "p", Steps: threeSteps},
	}
	status, err := deriveStatus(rec)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	rec.Entries = append(rec.Entries, forwardSuccess("s1", "reserve", 1))
	status, err = deriveStatus(rec)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	rec.Entries = append(rec.Entries, compensateSuccess("s1", "reserve", 1))
	status, err = deriveStatus(rec)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensating, status)

	rec.Final = StatusCompensated
	status, err = deriveStatus(rec)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, status)
}

func TestMemoryLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	plan := PlanRecord{Name: "p", Steps: threeSteps}
	require.NoError(t, log.Begin(ctx, "s1", plan))

	require.NoError(t, log.Append(ctx, forwardSuccess("s1", "reserve", 1)))
	require.NoError(t, log.Append(ctx, forwardSuccess("s1", "charge", 1)))

	rec, err := log.ReadSaga(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, plan, rec.Plan)
	assert.Len(t, rec.Entries, 2)
	assert.Empty(t, rec.Final)

	require.NoError(t, log.End(ctx, "s1", StatusCompleted))
	rec, err = log.ReadSaga(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Final)
}

func TestMemoryLogRejectsDuplicateBegin(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	require.NoError(t, log.Begin(ctx, "s1", PlanRecord{Name: "p", Steps: threeSteps}))
	require.Error(t, log.Begin(ctx, "s1", PlanRecord{Name: "p", Steps: threeSteps}))
}

func TestMemoryLogRejectsUnknownSaga(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	err := log.Append(ctx, forwardSuccess("missing", "reserve", 1))
	require.ErrorIs(t, err, ErrSagaNotFound)

	_, err = log.ReadSaga(ctx, "missing")
	require.ErrorIs(t, err, ErrSagaNotFound)
}

func TestMemoryLogValidatesAppends(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	require.NoError(t, log.Begin(ctx, "s1", PlanRecord{Name: "p", Steps: threeSteps}))

	err := log.Append(ctx, forwardSuccess("s1", "ship", 1))
	var inv *InvariantViolationError
	require.ErrorAs(t, err, &inv)
}

func TestMemoryLogRejectsAppendAfterEnd(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	require.NoError(t, log.Begin(ctx, "s1", PlanRecord{Name: "p", Steps: threeSteps}))
	require.NoError(t, log.End(ctx, "s1", StatusFailed))

	err := log.Append(ctx, forwardSuccess("s1", "reserve", 1))
	var inv *InvariantViolationError
	require.ErrorAs(t, err, &inv)
}

func TestMemoryLogActiveSagas(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	plan := PlanRecord{Name: "p", Steps: threeSteps}

	require.NoError(t, log.Begin(ctx, "s2", plan))
	require.NoError(t, log.Begin(ctx, "s1", plan))
	require.NoError(t, log.Begin(ctx, "s3", plan))
	require.NoError(t, log.End(ctx, "s2", StatusCompleted))

	ids, err := log.ActiveSagas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, ids)
}

func TestMemoryLogRejectsNonTerminalEnd(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	require.NoError(t, log.Begin(ctx, "s1", PlanRecord{Name: "p", Steps: threeSteps}))
	require.Error(t, log.End(ctx, "s1", StatusRunning))
}
