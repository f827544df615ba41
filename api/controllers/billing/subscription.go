package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pixell/agent-billing/api/responses"
	"github.com/pixell/agent-billing/api/validators"
	billingsvc "github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
)

// SubscriptionReader loads an organization's billing state.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, orgID uuid.UUID) (*billingsvc.SubscriptionView, error)
}

type organizationResponse struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	SubscriptionTier   string     `json:"subscriptionTier"`
	SubscriptionStatus string     `json:"subscriptionStatus"`
	StripeCustomerID   *string    `json:"stripeCustomerId,omitempty"`
	TrialEndsAt        *time.Time `json:"trialEndsAt,omitempty"`
}

type subscriptionResponse struct {
	ID                   string     `json:"id"`
	PlanTier             string     `json:"planTier"`
	Status               string     `json:"status"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId,omitempty"`
	StripeCustomerID     *string    `json:"stripeCustomerId,omitempty"`
	StripePriceID        *string    `json:"stripePriceId,omitempty"`
	CurrentPeriodStart   *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
	TrialEnd             *time.Time `json:"trialEnd,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancelAtPeriodEnd"`
	CanceledAt           *time.Time `json:"canceledAt,omitempty"`
}

type tierUsage struct {
	Included  int64 `json:"included"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

type creditBalanceResponse struct {
	Tiers              map[enums.CreditTier]tierUsage `json:"tiers"`
	TopupCredits       int64                          `json:"topupCredits"`
	TopupCreditsUsed   int64                          `json:"topupCreditsUsed"`
	AutoTopupEnabled   bool                           `json:"autoTopupEnabled"`
	AutoTopupThreshold int64                          `json:"autoTopupThreshold"`
	AutoTopupAmount    int64                          `json:"autoTopupAmount"`
	BillingPeriodStart time.Time                      `json:"billingPeriodStart"`
	BillingPeriodEnd   time.Time                      `json:"billingPeriodEnd"`
}

type quotaResponse struct {
	FeatureType string    `json:"featureType"`
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

type subscriptionViewResponse struct {
	Organization  organizationResponse   `json:"organization"`
	Subscription  *subscriptionResponse  `json:"subscription"`
	CreditBalance *creditBalanceResponse `json:"creditBalance"`
	Quotas        []quotaResponse        `json:"quotas"`
}

// Subscription returns the organization's subscription and balances.
func Subscription(svc SubscriptionReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}
		orgID, err := validators.QueryUUID(r, "orgId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		view, err := svc.GetSubscription(ctx, orgID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toSubscriptionViewResponse(view))
	}
}

func toSubscriptionViewResponse(view *billingsvc.SubscriptionView) subscriptionViewResponse {
	org := view.Organization
	resp := subscriptionViewResponse{
		Organization: organizationResponse{
			ID:                 org.ID.String(),
			Name:               org.Name,
			SubscriptionTier:   string(org.SubscriptionTier),
			SubscriptionStatus: string(org.SubscriptionStatus),
			StripeCustomerID:   org.StripeCustomerID,
			TrialEndsAt:        org.TrialEndsAt,
		},
		Quotas: make([]quotaResponse, 0, len(view.Quotas)),
	}
	if sub := view.Subscription; sub != nil {
		resp.Subscription = &subscriptionResponse{
			ID:                   sub.ID.String(),
			PlanTier:             string(sub.PlanTier),
			Status:               string(sub.Status),
			StripeSubscriptionID: sub.StripeSubscriptionID,
			StripeCustomerID:     sub.StripeCustomerID,
			StripePriceID:        sub.StripePriceID,
			CurrentPeriodStart:   sub.CurrentPeriodStart,
			CurrentPeriodEnd:     sub.CurrentPeriodEnd,
			TrialEnd:             sub.TrialEnd,
			CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
			CanceledAt:           sub.CanceledAt,
		}
	}
	if balance := view.CreditBalance; balance != nil {
		resp.CreditBalance = toCreditBalanceResponse(*balance)
	}
	for _, q := range view.Quotas {
		resp.Quotas = append(resp.Quotas, quotaResponse{
			FeatureType: string(q.FeatureType),
			Limit:       q.QuotaLimit,
			Used:        q.Used,
			PeriodStart: q.PeriodStart.UTC(),
			PeriodEnd:   q.PeriodEnd.UTC(),
		})
	}
	return resp
}

func toCreditBalanceResponse(balance models.CreditBalance) *creditBalanceResponse {
	tiers := make(map[enums.CreditTier]tierUsage, len(enums.CreditTiers()))
	for _, tier := range enums.CreditTiers() {
		usage := tierUsage{Included: balance.Included(tier), Used: balance.Used(tier)}
		if rem := usage.Included - usage.Used; rem > 0 {
			usage.Remaining = rem
		}
		tiers[tier] = usage
	}
	return &creditBalanceResponse{
		Tiers:              tiers,
		TopupCredits:       balance.TopupCredits,
		TopupCreditsUsed:   balance.TopupCreditsUsed,
		AutoTopupEnabled:   balance.AutoTopupEnabled,
		AutoTopupThreshold: balance.AutoTopupThreshold,
		AutoTopupAmount:    balance.AutoTopupAmount,
		BillingPeriodStart: balance.BillingPeriodStart.UTC(),
		BillingPeriodEnd:   balance.BillingPeriodEnd.UTC(),
	}
}
