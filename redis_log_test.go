package orchestrate

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLog(t *testing.T) (*RedisLog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLog(client, "sagatest"), mr
}

func TestRedisLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestRedisLog(t)

	plan := PlanRecord{Name: "p", Steps: threeSteps}
	require.NoError(t, log.Begin(ctx, "s1", plan))
	require.NoError(t, log.Append(ctx, forwardSuccess("s1", "reserve", 1)))
	require.NoError(t, log.Append(ctx, forwardFailure("s1", "charge", 1)))

	rec, err := log.ReadSaga(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, plan, rec.Plan)
	require.Len(t, rec.Entries, 2)
	assert.Equal(t, "reserve", rec.Entries[0].StepName)
	assert.Equal(t, OutcomeFailure, rec.Entries[1].Outcome)
	assert.Empty(t, rec.Final)

	require.NoError(t, log.End(ctx, "s1", StatusCompleted))
	rec, err = log.ReadSaga(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Final)
}

func TestRedisLogActiveSagas(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestRedisLog(t)

	plan := PlanRecord{Name: "p", Steps: threeSteps}
	require.NoError(t, log.Begin(ctx, "s1", plan))
	require.NoError(t, log.Begin(ctx, "s2", plan))
	require.NoError(t, log.End(ctx, "s2", StatusFailed))

	ids, err := log.ActiveSagas(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1"}, ids)
}

func TestRedisLogRejectsDuplicateBegin(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestRedisLog(t)

	plan := PlanRecord{Name: "p", Steps: threeSteps}
	require.NoError(t, log.Begin(ctx, "s1", plan))
	require.Error(t, log.Begin(ctx, "s1", plan))
}

func TestRedisLogReadUnknownSaga(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestRedisLog(t)

	_, err := log.ReadSaga(ctx, "missing")
	require.ErrorIs(t, err, ErrSagaNotFound)
}

func TestRedisLogWriteErrorWhenDown(t *testing.T) {
	ctx := context.Background()
	log, mr := newTestRedisLog(t)

	require.NoError(t, log.Begin(ctx, "s1", PlanRecord{Name: "p", Steps: threeSteps}))
	mr.Close()

	err := log.Append(ctx, forwardSuccess("s1", "reserve", 1))
	require.Error(t, err)
	var werr *WriteError
	assert.True(t, errors.As(err, &werr))
}
