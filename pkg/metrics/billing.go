package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels shared by the billing collectors.
const (
	OutcomeProcessed = "processed"
	OutcomeCached    = "cached"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
	OutcomeAllowed   = "allowed"
	OutcomeDenied    = "denied"
	OutcomeSynced    = "synchronized"
	OutcomeSkipped   = "skipped"
)

// BillingMetrics counts webhook, quota and reconciliation outcomes.
type BillingMetrics struct {
	webhooks  *prometheus.CounterVec
	quota     *prometheus.CounterVec
	reconcile *prometheus.CounterVec
}

// NewBillingMetrics registers the billing collectors. A nil registerer
// yields a no-op recorder.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Stripe webhook events by type and outcome.",
	}, []string{"type", "outcome"})
	quota := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_decisions_total",
		Help:      "Quota checks and increments by feature and outcome.",
	}, []string{"feature", "outcome"})
	reconcile := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_rows_total",
		Help:      "Reconciled subscription rows by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(webhooks, quota, reconcile)
	return &BillingMetrics{webhooks: webhooks, quota: quota, reconcile: reconcile}
}

func (m *BillingMetrics) WebhookEvent(eventType, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(eventType), outcome).Inc()
}

func (m *BillingMetrics) QuotaDecision(feature, outcome string) {
	if m == nil || m.quota == nil {
		return
	}
	m.quota.WithLabelValues(normalizeLabel(feature), outcome).Inc()
}

func (m *BillingMetrics) ReconcileRows(outcome string, n int) {
	if m == nil || m.reconcile == nil || n <= 0 {
		return
	}
	m.reconcile.WithLabelValues(outcome).Add(float64(n))
}
