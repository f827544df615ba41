package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/pixell/agent-billing/pkg/logger"
)

// RetentionTarget is one table the retention job prunes.
type RetentionTarget struct {
	Name      string
	Retention time.Duration
	Prune     func(ctx context.Context, cutoff time.Time) (int64, error)
}

type RetentionJobParams struct {
	Logger  *logger.Logger
	Targets []RetentionTarget
}

// NewRetentionJob deletes rows older than each target's retention window.
func NewRetentionJob(params RetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if len(params.Targets) == 0 {
		return nil, errors.New("at least one retention target required")
	}
	for _, target := range params.Targets {
		if target.Name == "" || target.Prune == nil {
			return nil, errors.New("retention target needs a name and prune func")
		}
		if target.Retention <= 0 {
			return nil, fmt.Errorf("retention for %s must be positive", target.Name)
		}
	}
	return &retentionJob{logg: params.Logger, targets: params.Targets, now: time.Now}, nil
}

type retentionJob struct {
	logg    *logger.Logger
	targets []RetentionTarget
	now     func() time.Time
}

func (j *retentionJob) Name() string { return "retention" }

// Run prunes every target even when an earlier one fails.
func (j *retentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var errs error
	for _, target := range j.targets {
		cutoff := now.Add(-target.Retention)
		deleted, err := target.Prune(ctx, cutoff)
		logCtx := j.logg.WithFields(ctx, map[string]any{
			"target":       target.Name,
			"cutoff":       cutoff,
			"rows_deleted": deleted,
		})
		if err != nil {
			j.logg.Error(logCtx, "retention prune failed", err)
			errs = multierr.Append(errs, fmt.Errorf("prune %s: %w", target.Name, err))
			continue
		}
		j.logg.Info(logCtx, "retention prune complete")
	}
	return errs
}
