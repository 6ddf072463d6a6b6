package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

// Options configures a Coordinator. The zero value is usable: an in-memory
// log, the default retry policy, and the process-wide slog handler.
type Options struct {
	// Log is the durable saga log. Defaults to NewMemoryLog.
	Log SagaLog

	// Policy is the retry policy applied to every saga. Zero fields are
	// filled from DefaultRetryPolicy.
	Policy RetryPolicy

	// Handler receives structured log output. Defaults to
	// slog.Default().Handler().
	Handler slog.Handler

	// Alert is invoked for failing compensations and invariant violations.
	// Defaults to an error-level log line.
	Alert AlertFunc

	// Registerer receives the coordinator's Prometheus collectors. Nil
	// disables registration; metrics are still collected internally.
	Registerer prometheus.Registerer
}

// Coordinator runs sagas: it accepts plans, executes each saga's steps in
// order on a dedicated goroutine, compensates on failure, and recovers
// in-flight sagas from the log after a restart.
//
// All methods are safe for concurrent use. Sagas are independent; the
// coordinator imposes no cross-saga ordering.
type Coordinator struct {
	log      SagaLog
	registry *StepRegistry
	policy   RetryPolicy
	handler  slog.Handler
	logger   *slog.Logger
	metrics  *Metrics
	alert    AlertFunc

	sagas *xsync.MapOf[string, *sagaRunner]
	wg    sync.WaitGroup

	// runCtx bounds every runner; runCancel is the shutdown hard stop.
	runCtx    context.Context
	runCancel context.CancelFunc
	closed    atomic.Bool
}

// NewCoordinator creates a coordinator that resolves steps through the given
// registry.
func NewCoordinator(registry *StepRegistry, opts Options) *Coordinator {
	if opts.Log == nil {
		opts.Log = NewMemoryLog()
	}
	if opts.Handler == nil {
		opts.Handler = slog.Default().Handler()
	}
	logger := slog.New(opts.Handler)
	if opts.Alert == nil {
		opts.Alert = func(sagaID, stepName string, attempts int, err error) {
			logger.Error("saga needs attention",
				"saga_id", sagaID, "step", stepName, "attempts", attempts, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:       opts.Log,
		registry:  registry,
		policy:    opts.Policy.withDefaults(),
		handler:   opts.Handler,
		logger:    logger,
		metrics:   NewMetrics(opts.Registerer),
		alert:     opts.Alert,
		sagas:     xsync.NewMapOf[string, *sagaRunner](),
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// Submit begins a new saga for the plan and returns its ID. The begin record
// is durably written before Submit returns; execution proceeds asynchronously
// on the saga's own goroutine. params is made available to every step.
func (c *Coordinator) Submit(ctx context.Context, plan *Plan, params json.RawMessage) (string, error) {
	if c.closed.Load() {
		return "", ErrCoordinatorClosed
	}

	sagaID := uuid.NewString()
	rec := plan.Record()
	rec.Params = params
	if err := c.log.Begin(ctx, sagaID, rec); err != nil {
		return "", fmt.Errorf("begin saga: %w", err)
	}

	runner, err := newSagaRunner(runnerConfig{
		sagaID:  sagaID,
		plan:    plan,
		params:  params,
		log:     c.log,
		policy:  c.policy,
		handler: c.handler,
		metrics: c.metrics,
		alert:   c.alert,
	})
	if err != nil {
		return "", err
	}

	c.start(runner)
	c.logger.Info("saga submitted", "saga_id", sagaID, "plan", plan.Name())
	return sagaID, nil
}

// start launches a runner on its own goroutine. Finished runners stay in the
// map so Wait and Status keep working; the saga log is authoritative either
// way.
func (c *Coordinator) start(r *sagaRunner) {
	c.sagas.Store(r.sagaID, r)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := r.run(c.runCtx)
		if IsTerminalStatus(res.Status) {
			c.metrics.observeFinished(res.Status)
		}
		if res.Status == StatusFailed {
			c.logger.Error("saga finished", "saga_id", r.sagaID, "status", res.Status, "error", res.Err)
		} else {
			c.logger.Info("saga finished", "saga_id", r.sagaID, "status", res.Status)
		}
	}()
}

// SagaView is a point-in-time view of one saga for status queries.
type SagaView struct {
	SagaID  string
	Status  string
	Entries []LogEntry
}

// String implements the fmt.Stringer interface for SagaView.
func (v *SagaView) String() string {
	return fmt.Sprintf("status=%s\n%s", v.Status, formatEntries(v.SagaID, v.Entries))
}

// Status returns the saga's current status and its log entries. Resident
// sagas report their live status; anything else is derived from the log, so
// status queries survive restarts.
func (c *Coordinator) Status(ctx context.Context, sagaID string) (*SagaView, error) {
	rec, err := c.log.ReadSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	var status string
	if r, ok := c.sagas.Load(sagaID); ok {
		status = r.status()
	} else {
		status, err = deriveStatus(rec)
		if err != nil {
			return nil, err
		}
	}
	return &SagaView{SagaID: sagaID, Status: status, Entries: rec.Entries}, nil
}

// Cancel requests cooperative cancellation: the saga stops at the next step
// boundary and compensates whatever completed. Steps already past their
// forward action are unwound, never abandoned. Cancelling a saga that already
// reached a terminal status is a no-op.
func (c *Coordinator) Cancel(sagaID string) error {
	r, ok := c.sagas.Load(sagaID)
	if !ok {
		return fmt.Errorf("cancel saga %s: %w", sagaID, ErrSagaNotFound)
	}
	r.requestCancel()
	return nil
}

// Wait blocks until the saga reaches a rest state and returns its result.
func (c *Coordinator) Wait(ctx context.Context, sagaID string) (SagaResult, error) {
	r, ok := c.sagas.Load(sagaID)
	if !ok {
		return SagaResult{}, fmt.Errorf("wait for saga %s: %w", sagaID, ErrSagaNotFound)
	}
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return SagaResult{}, ctx.Err()
	}
}

// Shutdown stops accepting new sagas and waits for in-flight sagas to reach a
// rest state. If ctx expires first the runners are cancelled hard; they
// suspend without writing a terminal record, and the next Recover resumes
// them from the log.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("coordinator shutting down")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.runCancel()
		return nil
	case <-ctx.Done():
		c.runCancel()
		<-done
		return ctx.Err()
	}
}
