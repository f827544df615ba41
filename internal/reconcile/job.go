package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/internal/subscriptions"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
)

const defaultBatchSize = 250

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// JobParams configures the reconciliation job.
type JobParams struct {
	DB         txRunner
	Repo       billing.Repository
	Provider   subscriptions.Provider
	Lifecycle  *subscriptions.Lifecycle
	Allotments subscriptions.PeriodResetter
	BatchSize  int
	Metrics    *metrics.BillingMetrics
	Logger     *logger.Logger
	Now        func() time.Time
}

// Job re-aligns local subscriptions with the provider.
type Job struct {
	db         txRunner
	repo       billing.Repository
	provider   subscriptions.Provider
	lifecycle  *subscriptions.Lifecycle
	allotments subscriptions.PeriodResetter
	batchSize  int
	metrics    *metrics.BillingMetrics
	logg       *logger.Logger
	now        func() time.Time
}

// OrgChanges lists what one run changed for one organization.
type OrgChanges struct {
	OrgID          uuid.UUID  `json:"orgId"`
	SubscriptionID uuid.UUID  `json:"subscriptionId"`
	Changes        ChangeList `json:"changes"`
}

// Failure records a row that could not be reconciled.
type Failure struct {
	OrgID          uuid.UUID `json:"orgId"`
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	Error          string    `json:"error"`
}

// Result summarizes one run.
type Result struct {
	Total        int          `json:"total"`
	Synchronized int          `json:"synchronized"`
	Skipped      int          `json:"skipped"`
	Errors       int          `json:"errors"`
	Changes      []OrgChanges `json:"changes"`
	Failures     []Failure    `json:"failures"`

	errs error
}

// Err combines the per-row failures, or returns nil.
func (r Result) Err() error {
	return r.errs
}

// NewJob builds a reconciliation job.
func NewJob(params JobParams) (*Job, error) {
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Repo == nil {
		return nil, errors.New("billing repository required")
	}
	if params.Provider == nil {
		return nil, errors.New("subscription provider required")
	}
	if params.Lifecycle == nil {
		return nil, errors.New("subscription lifecycle required")
	}
	if params.Allotments == nil {
		return nil, errors.New("period resetter required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Job{
		db:         params.DB,
		repo:       params.Repo,
		provider:   params.Provider,
		lifecycle:  params.Lifecycle,
		allotments: params.Allotments,
		batchSize:  batch,
		metrics:    params.Metrics,
		logg:       logg,
		now:        now,
	}, nil
}

// Run visits every subscription that references the provider. A failing row
// is recorded in the result and does not stop the run; the returned error is
// reserved for failures to list rows or context cancellation.
func (j *Job) Run(ctx context.Context) (Result, error) {
	result := Result{Changes: []OrgChanges{}, Failures: []Failure{}}
	afterID := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := j.repo.ListSubscriptionsForReconciliation(ctx, afterID, j.batchSize)
		if err != nil {
			return result, fmt.Errorf("list subscriptions for reconciliation: %w", err)
		}
		for i := range batch {
			j.reconcileRow(ctx, &batch[i], &result)
		}
		if len(batch) < j.batchSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	j.metrics.ReconcileRows(metrics.OutcomeSynced, result.Synchronized)
	j.metrics.ReconcileRows(metrics.OutcomeSkipped, result.Skipped)
	j.metrics.ReconcileRows(metrics.OutcomeFailed, result.Errors)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"total":        result.Total,
		"synchronized": result.Synchronized,
		"skipped":      result.Skipped,
		"errors":       result.Errors,
	}), "subscription reconciliation complete")
	return result, nil
}

func (j *Job) reconcileRow(ctx context.Context, sub *models.Subscription, result *Result) {
	result.Total++
	logCtx := j.logg.WithOrgID(ctx, sub.OrgID.String())
	logCtx = j.logg.WithField(logCtx, "subscription_id", sub.ID.String())

	changes, err := j.reconcileSubscription(logCtx, sub)
	switch {
	case err != nil:
		result.Errors++
		result.Failures = append(result.Failures, Failure{OrgID: sub.OrgID, SubscriptionID: sub.ID, Error: err.Error()})
		result.errs = multierr.Append(result.errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		j.logg.Error(logCtx, "subscription reconciliation failed", err)
	case len(changes) == 0:
		result.Skipped++
	default:
		result.Synchronized++
		result.Changes = append(result.Changes, OrgChanges{OrgID: sub.OrgID, SubscriptionID: sub.ID, Changes: changes})
		j.logg.Info(j.logg.WithField(logCtx, "changes", changes), "subscription reconciled")
	}
}

func (j *Job) reconcileSubscription(ctx context.Context, sub *models.Subscription) (ChangeList, error) {
	local := LocalStateOf(*sub)

	var provider *subscriptions.ProviderSubscription
	var err error
	switch {
	case local.SubscriptionID != "":
		provider, err = j.provider.GetSubscription(ctx, local.SubscriptionID)
		if errors.Is(err, subscriptions.ErrProviderSubscriptionMissing) {
			provider, err = nil, nil
		} else if err == nil && provider == nil {
			return nil, nil
		}
	case local.CustomerID != "":
		provider, err = j.provider.LatestCustomerSubscription(ctx, local.CustomerID)
		if err == nil && provider == nil {
			return nil, nil
		}
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch provider subscription: %w", err)
	}

	var state ProviderState
	if provider == nil {
		state = MissingProviderState(local)
	} else {
		state = ProviderStateOf(provider, j.lifecycle.Resolver())
	}
	changes := DetectChanges(local, state)
	if len(changes) == 0 {
		return nil, nil
	}
	err = j.db.WithTx(ctx, func(tx *gorm.DB) error {
		return j.persist(ctx, tx, sub.ID, provider, state, changes)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// persist applies state to the row. provider is nil when the provider no
// longer knows the subscription.
func (j *Job) persist(ctx context.Context, tx *gorm.DB, subID uuid.UUID, provider *subscriptions.ProviderSubscription, state ProviderState, changes ChangeList) error {
	repo := j.repo.WithTx(tx)
	var current models.Subscription
	if err := tx.WithContext(ctx).Where("id = ?", subID).First(&current).Error; err != nil {
		return err
	}
	if state.Status == enums.SubscriptionStatusCanceled && current.Status != enums.SubscriptionStatusCanceled {
		Apply(&current, nil, ProviderState{SubscriptionID: state.SubscriptionID, CustomerID: state.CustomerID})
		return j.lifecycle.Cancel(ctx, tx, &current, subscriptions.SourceReconcile, j.now())
	}

	org, err := repo.FindOrganization(ctx, current.OrgID)
	if err != nil {
		return err
	}
	if org == nil {
		return errors.New("organization not found")
	}
	Apply(&current, org, state)
	if provider != nil {
		if provider.PriceID != "" {
			price := provider.PriceID
			current.StripePriceID = &price
		}
		if provider.CurrentPeriodStart != nil {
			current.CurrentPeriodStart = provider.CurrentPeriodStart
		}
		if provider.CurrentPeriodEnd != nil {
			current.CurrentPeriodEnd = provider.CurrentPeriodEnd
		}
		current.TrialEnd = provider.TrialEnd
	}
	if err := repo.SaveSubscription(ctx, &current); err != nil {
		return err
	}
	fields := map[string]any{
		"subscription_tier":   org.SubscriptionTier,
		"subscription_status": org.SubscriptionStatus,
		"updated_at":          j.now().UTC(),
	}
	if org.StripeCustomerID != nil {
		fields["stripe_customer_id"] = *org.StripeCustomerID
	}
	if err := repo.UpdateOrganization(ctx, org.ID, fields); err != nil {
		return err
	}
	if changes.Has(FieldPlanTier) && subscriptions.IsActiveStatus(current.Status) {
		start := j.now().UTC()
		if current.CurrentPeriodStart != nil {
			start = *current.CurrentPeriodStart
		}
		return j.allotments.ResetForPeriod(ctx, tx, current.OrgID, current.PlanTier, start)
	}
	return nil
}
