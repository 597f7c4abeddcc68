package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 账本指标，nil 值可用（不记录）
type Metrics struct {
	admissions       *prometheus.CounterVec
	staleRetries     *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	discrepancies    prometheus.Counter
	reconcileSeconds prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_admissions_total",
			Help: "Inference admission decisions by result.",
		}, []string{"result"}),
		staleRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_stale_retries_total",
			Help: "Conditional ledger writes retried after a stale balance.",
		}, []string{"operation"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_webhook_events_total",
			Help: "Payment webhook events by type and result.",
		}, []string{"type", "result"}),
		discrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_discrepancies_total",
			Help: "Balance discrepancies found by reconciliation.",
		}),
		reconcileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_reconcile_duration_seconds",
			Help:    "Duration of a full reconciliation pass.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(m.admissions, m.staleRetries, m.webhookEvents, m.discrepancies, m.reconcileSeconds)
	return m
}

func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) StaleRetry(operation string) {
	if m == nil {
		return
	}
	m.staleRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) Discrepancy() {
	if m == nil {
		return
	}
	m.discrepancies.Inc()
}

func (m *Metrics) ReconcileDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileSeconds.Observe(d.Seconds())
}
