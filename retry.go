package orchestrate

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls per-step timeouts and retry behavior.
//
// Forward actions are retried a bounded number of times before the saga
// transitions to compensation. Compensating actions are retried without
// bound by default, with alerting, because abandoning a partially
// compensated saga violates the consistency invariant; CompensateGiveUp
// caps that loop for deployments that prefer a failed saga over an
// indefinitely retrying one.
type RetryPolicy struct {
	// MaxForwardAttempts is the total number of times a forward action is
	// attempted (first try included) before compensation begins.
	MaxForwardAttempts int

	// CompensateGiveUp is the number of attempts after which a compensating
	// action is abandoned and the saga marked failed. Zero means retry
	// forever.
	CompensateGiveUp int

	// AlertAfter is the compensate attempt count at which the alert hook
	// starts firing. Every failed attempt from then on alerts again.
	AlertAfter int

	// StepTimeout bounds each individual action attempt. An attempt that
	// exceeds it counts as a failure. Zero means no per-step deadline.
	StepTimeout time.Duration

	// InitialInterval and MaxInterval shape the exponential backoff between
	// attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxForwardAttempts: 3,
		CompensateGiveUp:   0,
		AlertAfter:         3,
		StepTimeout:        30 * time.Second,
		InitialInterval:    100 * time.Millisecond,
		MaxInterval:        5 * time.Second,
	}
}

// withDefaults fills zero fields from the default policy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxForwardAttempts <= 0 {
		p.MaxForwardAttempts = def.MaxForwardAttempts
	}
	if p.AlertAfter <= 0 {
		p.AlertAfter = def.AlertAfter
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	return p
}

// newBackOff builds the backoff schedule for one retry loop. MaxElapsedTime
// is disabled; attempt budgets are enforced by the runner, which needs to
// log every failed attempt.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// AlertFunc is invoked when a compensating action keeps failing past the
// alert threshold, and when an invariant violation aborts a saga. It is the
// "surfaced to the operator" channel; wire it to paging or error reporting.
type AlertFunc func(sagaID, stepName string, attempts int, err error)
