package orchestrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// countingStep is a Step that counts invocations and fails on demand. Forward
// and compensate effects are observable through the counters, so tests can
// assert exactly-once semantics across retries and recovery.
type countingStep struct {
	name string

	mu              sync.Mutex
	forwardCalls    int
	compensateCalls int

	// failForward is how many forward attempts fail before one succeeds;
	// failForwardAll makes every attempt fail.
	failForward    int
	failForwardAll bool

	failCompensate    int
	failCompensateAll bool

	// blockForward makes forward actions wait here until a signal arrives;
	// started is closed when the first forward attempt begins.
	blockForward chan struct{}
	started      chan struct{}
	startOnce    sync.Once

	output any
}

func newCountingStep(name string) *countingStep {
	return &countingStep{name: name}
}

func (s *countingStep) Name() string { return s.name }

func (s *countingStep) Forward(ctx context.Context, _ *StepContext) (StepResult, error) {
	if s.started != nil {
		s.startOnce.Do(func() { close(s.started) })
	}
	if s.blockForward != nil {
		select {
		case <-s.blockForward:
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwardCalls++
	if s.failForwardAll || s.forwardCalls <= s.failForward {
		return StepResult{}, fmt.Errorf("%s: forward attempt %d failed", s.name, s.forwardCalls)
	}
	return StepResult{Output: s.output}, nil
}

func (s *countingStep) Compensate(ctx context.Context, _ *StepContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensateCalls++
	if s.failCompensateAll || s.compensateCalls <= s.failCompensate {
		return fmt.Errorf("%s: compensate attempt %d failed", s.name, s.compensateCalls)
	}
	return nil
}

func (s *countingStep) forwards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwardCalls
}

func (s *countingStep) compensations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compensateCalls
}

// alertRecorder captures alert invocations.
type alertRecorder struct {
	mu    sync.Mutex
	calls []alertCall
}

type alertCall struct {
	sagaID   string
	stepName string
	attempts int
	err      error
}

func (a *alertRecorder) record(sagaID, stepName string, attempts int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, alertCall{sagaID, stepName, attempts, err})
}

func (a *alertRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *alertRecorder) last() (alertCall, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.calls) == 0 {
		return alertCall{}, false
	}
	return a.calls[len(a.calls)-1], true
}

// quietHandler discards log output in tests.
func quietHandler() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}

// fastPolicy keeps retry backoff negligible so tests stay quick.
func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxForwardAttempts: 3,
		AlertAfter:         2,
		StepTimeout:        time.Second,
		InitialInterval:    time.Millisecond,
		MaxInterval:        2 * time.Millisecond,
	}
}

// entryShape is the (step, action, outcome) triple of a log entry, for
// asserting exact log shapes.
type entryShape struct {
	Step    string
	Action  ActionType
	Outcome Outcome
}

func shapesOf(entries []LogEntry) []entryShape {
	shapes := make([]entryShape, len(entries))
	for i, e := range entries {
		shapes[i] = entryShape{Step: e.StepName, Action: e.Action, Outcome: e.Outcome}
	}
	return shapes
}

func forwardSuccess(sagaID, step string, attempt int) LogEntry {
	return LogEntry{
		SagaID: sagaID, StepName: step,
		Action: ActionForward, Outcome: OutcomeSuccess,
		Attempt: attempt, Timestamp: time.Now().UTC(),
	}
}

func forwardFailure(sagaID, step string, attempt int) LogEntry {
	return LogEntry{
		SagaID: sagaID, StepName: step,
		Action: ActionForward, Outcome: OutcomeFailure,
		Attempt: attempt, Error: "boom", Timestamp: time.Now().UTC(),
	}
}

func compensateSuccess(sagaID, step string, attempt int) LogEntry {
	return LogEntry{
		SagaID: sagaID, StepName: step,
		Action: ActionCompensate, Outcome: OutcomeSuccess,
		Attempt: attempt, Timestamp: time.Now().UTC(),
	}
}

func compensateFailure(sagaID, step string, attempt int) LogEntry {
	return LogEntry{
		SagaID: sagaID, StepName: step,
		Action: ActionCompensate, Outcome: OutcomeFailure,
		Attempt: attempt, Error: "boom", Timestamp: time.Now().UTC(),
	}
}
