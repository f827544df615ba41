package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	"github.com/pixell/agent-billing/pkg/outbox"
	"github.com/pixell/agent-billing/pkg/outbox/payloads"
)

// Cancellation sources carried on subscription.canceled events.
const (
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"
)

// PeriodResetter starts a fresh allotment period for an organization.
type PeriodResetter interface {
	ResetForPeriod(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, tier enums.PlanTier, start time.Time) error
}

// LifecycleParams groups dependencies for Lifecycle.
type LifecycleParams struct {
	Repo       billing.Repository
	Outbox     outbox.Emitter
	Allotments PeriodResetter
	Resolver   TierResolver
	Now        func() time.Time
}

// Lifecycle applies provider subscription state to local rows. Every method
// runs inside the caller's transaction.
type Lifecycle struct {
	repo       billing.Repository
	outbox     outbox.Emitter
	allotments PeriodResetter
	resolver   TierResolver
	now        func() time.Time
}

// SyncResult describes what Sync did.
type SyncResult struct {
	Subscription *models.Subscription
	Created      bool
	Stale        bool
	Canceled     bool
	TierChanged  bool
	PeriodReset  bool
}

// NewLifecycle builds a Lifecycle.
func NewLifecycle(params LifecycleParams) (*Lifecycle, error) {
	if params.Repo == nil {
		return nil, errors.New("billing repository is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox emitter is required")
	}
	if params.Allotments == nil {
		return nil, errors.New("period resetter is required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		repo:       params.Repo,
		outbox:     params.Outbox,
		allotments: params.Allotments,
		resolver:   params.Resolver,
		now:        now,
	}, nil
}

// Resolver returns the tier resolver in use.
func (l *Lifecycle) Resolver() TierResolver {
	return l.resolver
}

// Sync upserts the subscription row for orgID from provider state observed at
// observedAt and mirrors status and tier onto the organization. State older
// than the row's provider_updated_at is skipped. Terminal statuses take the
// cancel path. Allotments restart when a paid period begins or the tier
// changes.
func (l *Lifecycle) Sync(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, provider *ProviderSubscription, observedAt time.Time, source string) (*SyncResult, error) {
	if provider == nil {
		return nil, errors.New("provider subscription is required")
	}
	repo := l.repo.WithTx(tx)
	observedAt = observedAt.UTC()

	existing, err := repo.FindSubscriptionByStripeID(ctx, provider.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ProviderUpdatedAt != nil && observedAt.Before(*existing.ProviderUpdatedAt) {
		return &SyncResult{Subscription: existing, Stale: true}, nil
	}

	result := &SyncResult{}
	sub := existing
	var previousTier enums.PlanTier
	var previousStart *time.Time
	if sub == nil {
		result.Created = true
		sub = &models.Subscription{OrgID: orgID, PlanTier: enums.PlanTierFree}
	} else {
		previousTier = sub.PlanTier
		previousStart = sub.CurrentPeriodStart
	}

	if provider.Status.IsTerminal() {
		currentStatus := sub.Status
		ApplyToModel(sub, provider, "", false)
		sub.Status = currentStatus
		if result.Created {
			sub.Status = enums.SubscriptionStatusIncomplete
			if err := repo.CreateSubscription(ctx, sub); err != nil {
				return nil, err
			}
		}
		if err := l.Cancel(ctx, tx, sub, source, observedAt); err != nil {
			return nil, err
		}
		result.Subscription = sub
		result.Canceled = true
		return result, nil
	}

	tier, tierKnown := l.resolver.Resolve(provider)
	ApplyToModel(sub, provider, tier, tierKnown)
	sub.ProviderUpdatedAt = &observedAt
	if result.Created {
		if err := repo.CreateSubscription(ctx, sub); err != nil {
			return nil, err
		}
	} else if err := repo.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	orgFields := map[string]any{
		"subscription_status": sub.Status,
		"trial_ends_at":       sub.TrialEnd,
		"updated_at":          l.now().UTC(),
	}
	if tierKnown {
		orgFields["subscription_tier"] = tier
	}
	if sub.StripeCustomerID != nil {
		orgFields["stripe_customer_id"] = *sub.StripeCustomerID
	}
	if err := repo.UpdateOrganization(ctx, sub.OrgID, orgFields); err != nil {
		return nil, err
	}

	result.Subscription = sub
	result.TierChanged = !result.Created && tierKnown && tier != previousTier
	periodAdvanced := sub.CurrentPeriodStart != nil && (previousStart == nil || sub.CurrentPeriodStart.After(*previousStart))
	if tierKnown && IsActiveStatus(sub.Status) && (result.Created || result.TierChanged || periodAdvanced) {
		start := l.now().UTC()
		if sub.CurrentPeriodStart != nil {
			start = *sub.CurrentPeriodStart
		}
		if err := l.allotments.ResetForPeriod(ctx, tx, sub.OrgID, sub.PlanTier, start); err != nil {
			return nil, err
		}
		result.PeriodReset = true
	}
	return result, nil
}

// Cancel ends sub: the row becomes canceled on the free tier, the
// organization drops to the free tier with a fresh allotment period starting
// at, and a subscription.canceled event is queued. Canceling a canceled row is
// a no-op.
func (l *Lifecycle) Cancel(ctx context.Context, tx *gorm.DB, sub *models.Subscription, source string, at time.Time) error {
	if sub == nil {
		return errors.New("subscription is required")
	}
	if sub.Status == enums.SubscriptionStatusCanceled {
		return nil
	}
	repo := l.repo.WithTx(tx)
	at = at.UTC()
	previousTier := sub.PlanTier

	sub.Status = enums.SubscriptionStatusCanceled
	sub.PlanTier = enums.PlanTierFree
	sub.CancelAtPeriodEnd = false
	if sub.CanceledAt == nil {
		sub.CanceledAt = &at
	}
	if sub.EndedAt == nil {
		sub.EndedAt = &at
	}
	if sub.ProviderUpdatedAt == nil || at.After(*sub.ProviderUpdatedAt) {
		sub.ProviderUpdatedAt = &at
	}
	if err := repo.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	if err := repo.UpdateOrganization(ctx, sub.OrgID, map[string]any{
		"subscription_tier":   enums.PlanTierFree,
		"subscription_status": enums.SubscriptionStatusCanceled,
		"trial_ends_at":       nil,
		"updated_at":          l.now().UTC(),
	}); err != nil {
		return err
	}
	if err := l.allotments.ResetForPeriod(ctx, tx, sub.OrgID, enums.PlanTierFree, l.now().UTC()); err != nil {
		return err
	}

	stripeID := ""
	if sub.StripeSubscriptionID != nil {
		stripeID = *sub.StripeSubscriptionID
	}
	return l.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionCanceled,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         actorFor(source),
		Data: payloads.SubscriptionCanceledEvent{
			OrgID:                sub.OrgID,
			StripeSubscriptionID: stripeID,
			PreviousTier:         previousTier,
			CanceledAt:           at,
			Source:               source,
		},
	})
}

// SetStatus moves sub and its organization to status. Canceled rows are left
// alone. It reports whether anything changed.
func (l *Lifecycle) SetStatus(ctx context.Context, tx *gorm.DB, sub *models.Subscription, status enums.SubscriptionStatus) (bool, error) {
	if sub == nil {
		return false, errors.New("subscription is required")
	}
	if sub.Status.IsTerminal() || sub.Status == status {
		return false, nil
	}
	repo := l.repo.WithTx(tx)
	sub.Status = status
	if err := repo.SaveSubscription(ctx, sub); err != nil {
		return false, err
	}
	if err := repo.UpdateOrganization(ctx, sub.OrgID, map[string]any{
		"subscription_status": status,
		"updated_at":          l.now().UTC(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func actorFor(source string) *outbox.ActorRef {
	if source == SourceReconcile {
		return outbox.ActorReconcile
	}
	return outbox.ActorStripeWebhook
}
