package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLog is a SagaLog backed by Redis. Each saga's entries live in their
// own stream (XADD preserves total order and is atomic per saga partition),
// the plan and terminal status are plain keys, and the set of in-flight sagas
// is kept in a Redis set for recovery scans.
type RedisLog struct {
	client *redis.Client
	prefix string
}

// NewRedisLog creates a Redis-backed saga log. All keys are namespaced under
// the given prefix; "saga" is used when the prefix is empty.
func NewRedisLog(client *redis.Client, prefix string) *RedisLog {
	if prefix == "" {
		prefix = "saga"
	}
	return &RedisLog{client: client, prefix: prefix}
}

func (r *RedisLog) planKey(sagaID string) string   { return r.prefix + ":plan:" + sagaID }
func (r *RedisLog) streamKey(sagaID string) string { return r.prefix + ":log:" + sagaID }
func (r *RedisLog) endKey(sagaID string) string    { return r.prefix + ":end:" + sagaID }
func (r *RedisLog) activeKey() string              { return r.prefix + ":active" }

// Begin records a new saga and its plan.
func (r *RedisLog) Begin(ctx context.Context, sagaID string, plan PlanRecord) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return &WriteError{Err: fmt.Errorf("marshal plan: %w", err)}
	}

	ok, err := r.client.SetNX(ctx, r.planKey(sagaID), data, 0).Result()
	if err != nil {
		return &WriteError{Err: err}
	}
	if !ok {
		return fmt.Errorf("saga %s already begun", sagaID)
	}
	if err := r.client.SAdd(ctx, r.activeKey(), sagaID).Err(); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// Append records one action outcome in the saga's stream.
func (r *RedisLog) Append(ctx context.Context, entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return &WriteError{Err: fmt.Errorf("marshal entry: %w", err)}
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey(entry.SagaID),
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// End records the saga's terminal status and drops it from the active set.
func (r *RedisLog) End(ctx context.Context, sagaID string, status string) error {
	if !IsTerminalStatus(status) {
		return fmt.Errorf("end for saga %s: %q is not a terminal status", sagaID, status)
	}
	if err := r.client.Set(ctx, r.endKey(sagaID), status, 0).Err(); err != nil {
		return &WriteError{Err: err}
	}
	if err := r.client.SRem(ctx, r.activeKey(), sagaID).Err(); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// ReadSaga scans the saga's stream and reassembles its record.
func (r *RedisLog) ReadSaga(ctx context.Context, sagaID string) (*SagaRecord, error) {
	planData, err := r.client.Get(ctx, r.planKey(sagaID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("saga %s: %w", sagaID, ErrSagaNotFound)
		}
		return nil, fmt.Errorf("read plan: %w", err)
	}

	rec := &SagaRecord{SagaID: sagaID}
	if err := json.Unmarshal([]byte(planData), &rec.Plan); err != nil {
		return nil, fmt.Errorf("corrupt plan for saga %s: %w", sagaID, err)
	}

	msgs, err := r.client.XRange(ctx, r.streamKey(sagaID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			return nil, fmt.Errorf("corrupt entry %s for saga %s", msg.ID, sagaID)
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("corrupt entry %s for saga %s: %w", msg.ID, sagaID, err)
		}
		rec.Entries = append(rec.Entries, entry)
	}

	final, err := r.client.Get(ctx, r.endKey(sagaID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read terminal status: %w", err)
	}
	rec.Final = final
	return rec, nil
}

// ActiveSagas returns the members of the active set.
func (r *RedisLog) ActiveSagas(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active sagas: %w", err)
	}
	return ids, nil
}
