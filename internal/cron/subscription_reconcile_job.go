package cron

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/pixell/agent-billing/internal/reconcile"
	"github.com/pixell/agent-billing/pkg/logger"
)

type reconcileRunner interface {
	Run(ctx context.Context) (reconcile.Result, error)
}

type SubscriptionReconcileJobParams struct {
	Logger     *logger.Logger
	Reconciler reconcileRunner
}

// NewSubscriptionReconcileJob runs a full reconciliation pass. Row failures
// fail the run only after every row has been visited.
func NewSubscriptionReconcileJob(params SubscriptionReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Reconciler == nil {
		return nil, errors.New("reconciler required")
	}
	return &subscriptionReconcileJob{logg: params.Logger, reconciler: params.Reconciler}, nil
}

type subscriptionReconcileJob struct {
	logg       *logger.Logger
	reconciler reconcileRunner
}

func (j *subscriptionReconcileJob) Name() string { return "subscription-reconcile" }

func (j *subscriptionReconcileJob) Run(ctx context.Context) error {
	result, err := j.reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("subscription reconcile: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"total":        result.Total,
		"synchronized": result.Synchronized,
		"skipped":      result.Skipped,
		"errors":       result.Errors,
		"orgs_changed": len(result.Changes),
	}), "subscription reconcile pass finished")
	if result.Errors == 0 {
		return nil
	}
	return multierr.Append(fmt.Errorf("subscription reconcile: %d of %d rows failed", result.Errors, result.Total), result.Err())
}
