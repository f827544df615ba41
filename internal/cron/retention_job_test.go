package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell/agent-billing/pkg/logger"
)

type pruneCall struct {
	cutoffs []time.Time
	err     error
}

func (p *pruneCall) prune(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	if p.err != nil {
		return 0, p.err
	}
	return 3, nil
}

func newRetentionJob(t *testing.T, targets ...RetentionTarget) *retentionJob {
	t.Helper()
	job, err := NewRetentionJob(RetentionJobParams{
		Logger:  logger.New(logger.Options{ServiceName: "test"}),
		Targets: targets,
	})
	require.NoError(t, err)
	return job.(*retentionJob)
}

func TestRetentionJobUsesPerTargetCutoffs(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	outbox, ledger := &pruneCall{}, &pruneCall{}
	job := newRetentionJob(t,
		RetentionTarget{Name: "outbox", Retention: 30 * 24 * time.Hour, Prune: outbox.prune},
		RetentionTarget{Name: "webhook_ledger", Retention: 90 * 24 * time.Hour, Prune: ledger.prune},
	)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []time.Time{now.Add(-30 * 24 * time.Hour)}, outbox.cutoffs)
	assert.Equal(t, []time.Time{now.Add(-90 * 24 * time.Hour)}, ledger.cutoffs)
}

func TestRetentionJobContinuesPastFailures(t *testing.T) {
	failing := &pruneCall{err: errors.New("lock timeout")}
	healthy := &pruneCall{}
	job := newRetentionJob(t,
		RetentionTarget{Name: "outbox", Retention: time.Hour, Prune: failing.prune},
		RetentionTarget{Name: "webhook_ledger", Retention: time.Hour, Prune: healthy.prune},
	)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune outbox")
	assert.Len(t, healthy.cutoffs, 1)
}

func TestNewRetentionJobValidatesTargets(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test"})
	noop := func(context.Context, time.Time) (int64, error) { return 0, nil }

	_, err := NewRetentionJob(RetentionJobParams{Logger: logg})
	assert.Error(t, err)
	_, err = NewRetentionJob(RetentionJobParams{Logger: logg, Targets: []RetentionTarget{{Name: "outbox", Prune: noop}}})
	assert.EqualError(t, err, "retention for outbox must be positive")
	_, err = NewRetentionJob(RetentionJobParams{Logger: logg, Targets: []RetentionTarget{{Retention: time.Hour, Prune: noop}}})
	assert.Error(t, err)
}
