package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLog is an in-memory SagaLog for testing or scenarios where
// persistence is not required. Unlike the durable backends it validates the
// ordering invariants on every append, so protocol bugs fail loudly in tests.
type MemoryLog struct {
	mu    sync.RWMutex
	sagas map[string]*memorySaga
}

type memorySaga struct {
	plan    PlanRecord
	entries []LogEntry
	prog    *progress
	final   string
}

// NewMemoryLog creates a new in-memory saga log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		sagas: make(map[string]*memorySaga),
	}
}

// Begin records a new saga and its plan.
func (m *MemoryLog) Begin(ctx context.Context, sagaID string, plan PlanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sagas[sagaID]; exists {
		return fmt.Errorf("saga %s already begun", sagaID)
	}
	m.sagas[sagaID] = &memorySaga{
		plan: plan,
		prog: newProgress(sagaID, plan.Steps),
	}
	return nil
}

// Append validates the entry against the saga's replayed state and records it.
func (m *MemoryLog) Append(ctx context.Context, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saga, exists := m.sagas[entry.SagaID]
	if !exists {
		return fmt.Errorf("append for saga %s: %w", entry.SagaID, ErrSagaNotFound)
	}
	if saga.final != "" {
		return &InvariantViolationError{
			SagaID: entry.SagaID,
			Step:   entry.StepName,
			Reason: fmt.Sprintf("append after terminal status %s", saga.final),
		}
	}
	if err := saga.prog.apply(entry); err != nil {
		return err
	}
	saga.entries = append(saga.entries, entry)
	return nil
}

// End records the saga's terminal status.
func (m *MemoryLog) End(ctx context.Context, sagaID string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saga, exists := m.sagas[sagaID]
	if !exists {
		return fmt.Errorf("end for saga %s: %w", sagaID, ErrSagaNotFound)
	}
	if !IsTerminalStatus(status) {
		return fmt.Errorf("end for saga %s: %q is not a terminal status", sagaID, status)
	}
	saga.final = status
	return nil
}

// ReadSaga returns a copy of the saga's record.
func (m *MemoryLog) ReadSaga(ctx context.Context, sagaID string) (*SagaRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	saga, exists := m.sagas[sagaID]
	if !exists {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrSagaNotFound)
	}
	return &SagaRecord{
		SagaID:  sagaID,
		Plan:    saga.plan,
		Entries: append([]LogEntry(nil), saga.entries...),
		Final:   saga.final,
	}, nil
}

// ActiveSagas returns the IDs of sagas that have begun but not ended.
func (m *MemoryLog) ActiveSagas(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, saga := range m.sagas {
		if saga.final == "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
