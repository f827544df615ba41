package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronMetricsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronMetrics(reg)
	m.Finished("reconcile", 250*time.Millisecond, nil)
	m.Finished("reconcile", time.Second, errors.New("stripe down"))
	m.Finished("reconcile", 0, errors.New("lock store down"))
	m.Skipped("reconcile")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("reconcile", CronSucceeded)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("reconcile", CronFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("reconcile", CronLocked)))
	assert.Greater(t, testutil.ToFloat64(m.lastSuccess.WithLabelValues("reconcile")), 0.0)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	sum, err := fetchHistogramSum(mfs, "billing_cron_run_duration_seconds", "job", "reconcile")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, sum, 1e-9)

	var nilMetrics *CronMetrics
	nilMetrics.Skipped("x")
	nilMetrics.Finished("x", time.Second, nil)
	NewCronMetrics(nil).Finished("x", time.Second, nil)
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}

func TestBillingMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBillingMetrics(reg)
	m.WebhookEvent("invoice.payment_failed", OutcomeProcessed)
	m.WebhookEvent("invoice.payment_failed", OutcomeCached)
	m.QuotaDecision("research", OutcomeDenied)
	m.ReconcileRows(OutcomeSynced, 3)
	m.ReconcileRows(OutcomeSkipped, 0)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "billing_quota_decisions_total", "feature", "research"); err != nil || got != 1 {
		t.Fatalf("expected one denied research decision, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "billing_reconcile_rows_total", "outcome", OutcomeSynced); err != nil || got != 3 {
		t.Fatalf("expected three synchronized rows, got %f (%v)", got, err)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *BillingMetrics
	m.WebhookEvent("x", OutcomeFailed)
	m.QuotaDecision("x", OutcomeAllowed)
	m.ReconcileRows(OutcomeSkipped, 1)
	NewBillingMetrics(nil).WebhookEvent("x", OutcomeIgnored)
}

func TestOutboxMetricsCountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)
	m.Event("credit_purchase_succeeded", OutcomePublished)
	m.Event("credit_purchase_succeeded", OutcomePublished)
	m.Event("subscription_past_due", OutcomeDeadLettered)
	m.ObserveLag(time.Now().Add(-2 * time.Second))
	m.ObserveLag(time.Time{})

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "billing_outbox_events_total", "outcome", OutcomePublished); err != nil || got != 2 {
		t.Fatalf("expected two published events, got %f (%v)", got, err)
	}
	lag := findMetricFamily(mfs, "billing_outbox_publish_lag_seconds")
	if lag == nil || lag.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected a single lag observation")
	}

	var nilMetrics *OutboxMetrics
	nilMetrics.Event("x", OutcomeRetried)
	nilMetrics.ObserveLag(time.Now())
}
