package orchestrate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's Prometheus collectors.
type Metrics struct {
	forwardAttempts  *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	sagasFinished    *prometheus.CounterVec
	logAppendRetries prometheus.Counter
	alerts           prometheus.Counter
}

// NewMetrics creates the coordinator metrics and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		forwardAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_forward_attempts_total",
				Help: "Total forward action attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_compensation_attempts_total",
				Help: "Total compensating action attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		sagasFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_finished_total",
				Help: "Total sagas reaching a terminal status, by status.",
			},
			[]string{"status"},
		),
		logAppendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_log_append_retries_total",
			Help: "Total saga log appends that had to be retried.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_alerts_total",
			Help: "Total operator alerts raised by the coordinator.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.forwardAttempts,
			m.compensations,
			m.sagasFinished,
			m.logAppendRetries,
			m.alerts,
		)
	}
	return m
}

func (m *Metrics) observeForward(outcome Outcome) {
	m.forwardAttempts.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeCompensation(outcome Outcome) {
	m.compensations.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) observeFinished(status string) {
	m.sagasFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) observeAppendRetry() {
	m.logAppendRetries.Inc()
}

func (m *Metrics) observeAlert() {
	m.alerts.Inc()
}
