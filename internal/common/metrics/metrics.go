// Package metrics exposes the billing service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	walletOps      *prometheus.CounterVec
	walletAmount   *prometheus.CounterVec
	verdicts       *prometheus.CounterVec
	sweepRuns      *prometheus.CounterVec
	sweepRecords   *prometheus.CounterVec
	sweepDuration  *prometheus.HistogramVec
	processorCalls *prometheus.CounterVec
	refunds        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		walletOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "operations_total",
				Help:      "Wallet operations by kind and result",
			},
			[]string{"operation", "result"},
		),
		walletAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "amount_minor_total",
				Help:      "Sum of applied wallet amounts in minor units",
			},
			[]string{"type", "reason"},
		),
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operation",
				Name:      "verdicts_total",
				Help:      "Operation validator verdicts",
			},
			[]string{"action", "verdict"},
		),
		sweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Sweep invocations by result",
			},
			[]string{"sweep", "result"},
		),
		sweepRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "records_total",
				Help:      "Records handled by sweeps by outcome",
			},
			[]string{"sweep", "outcome"},
		),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "duration_seconds",
				Help:      "Sweep wall-clock duration",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"sweep"},
		),
		processorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "processor",
				Name:      "calls_total",
				Help:      "Payment processor calls by processor, call and result",
			},
			[]string{"processor", "call", "result"},
		),
		refunds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "refund",
				Name:      "decisions_total",
				Help:      "Refund engine decisions by entity type and outcome",
			},
			[]string{"entity_type", "outcome"},
		),
	}

	reg.MustRegister(
		m.walletOps,
		m.walletAmount,
		m.verdicts,
		m.sweepRuns,
		m.sweepRecords,
		m.sweepDuration,
		m.processorCalls,
		m.refunds,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WalletOp counts a wallet operation outcome
func (m *Metrics) WalletOp(operation, result string) {
	if m == nil {
		return
	}
	m.walletOps.WithLabelValues(operation, result).Inc()
}

// WalletAmount adds an applied amount
func (m *Metrics) WalletAmount(txType, reason string, amount int64) {
	if m == nil {
		return
	}
	m.walletAmount.WithLabelValues(txType, reason).Add(float64(amount))
}

// Verdict counts an operation validator verdict
func (m *Metrics) Verdict(action, verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(action, verdict).Inc()
}

// SweepRun records a finished sweep
func (m *Metrics) SweepRun(sweep, result string, seconds float64) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(sweep, result).Inc()
	m.sweepDuration.WithLabelValues(sweep).Observe(seconds)
}

// SweepRecords adds n records with the given outcome
func (m *Metrics) SweepRecords(sweep, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepRecords.WithLabelValues(sweep, outcome).Add(float64(n))
}

// ProcessorCall counts a payment processor API call
func (m *Metrics) ProcessorCall(processor, call, result string) {
	if m == nil {
		return
	}
	m.processorCalls.WithLabelValues(processor, call, result).Inc()
}

// RefundDecision counts a refund engine outcome for an entity
func (m *Metrics) RefundDecision(entityType, outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(entityType, outcome).Inc()
}
