package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	"github.com/pixell/agent-billing/pkg/logger"
)

const defaultRolloverLimit = 250

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type expiredBalanceLister interface {
	ListExpiredFreeBalances(ctx context.Context, now time.Time, limit int) ([]models.CreditBalance, error)
}

type periodResetter interface {
	ResetForPeriod(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, tier enums.PlanTier, start time.Time) error
}

// PeriodRolloverJobParams configures the free-tier period rollover job.
type PeriodRolloverJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Balances   expiredBalanceLister
	Allotments periodResetter
	Limit      int
	Now        func() time.Time
}

// NewPeriodRolloverJob restarts allotments of free-tier organizations whose
// billing period has ended. Paid plans roll over on provider renewals.
func NewPeriodRolloverJob(params PeriodRolloverJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Balances == nil {
		return nil, fmt.Errorf("balance repository required")
	}
	if params.Allotments == nil {
		return nil, fmt.Errorf("period resetter required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultRolloverLimit
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &periodRolloverJob{
		logg:       params.Logger,
		db:         params.DB,
		balances:   params.Balances,
		allotments: params.Allotments,
		limit:      limit,
		now:        now,
	}, nil
}

type periodRolloverJob struct {
	logg       *logger.Logger
	db         txRunner
	balances   expiredBalanceLister
	allotments periodResetter
	limit      int
	now        func() time.Time
}

func (j *periodRolloverJob) Name() string { return "period-rollover" }

func (j *periodRolloverJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var (
		rolled int
		errs   error
	)
	for {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		balances, err := j.balances.ListExpiredFreeBalances(ctx, now, j.limit)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("list expired balances: %w", err))
		}
		batchFailed := false
		for _, balance := range balances {
			start := nextPeriodStart(balance.BillingPeriodEnd, now)
			err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
				return j.allotments.ResetForPeriod(ctx, tx, balance.OrgID, enums.PlanTierFree, start)
			})
			if err != nil {
				batchFailed = true
				errs = multierr.Append(errs, fmt.Errorf("org %s: %w", balance.OrgID, err))
				j.logg.Error(j.logg.WithOrgID(ctx, balance.OrgID.String()), "period rollover failed", err)
				continue
			}
			rolled++
		}
		// Failed rows stay expired and would be listed again.
		if len(balances) < j.limit || batchFailed {
			break
		}
	}
	j.logg.Info(j.logg.WithField(ctx, "rolled_over", rolled), "period rollover complete")
	return errs
}

// nextPeriodStart continues from the previous period end, or restarts at now
// when more than one full period was missed.
func nextPeriodStart(previousEnd, now time.Time) time.Time {
	previousEnd = previousEnd.UTC()
	if previousEnd.IsZero() || !previousEnd.AddDate(0, 1, 0).After(now) {
		return now
	}
	return previousEnd
}
