package subscriptions

import (
	"strings"

	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
)

// Metadata keys written on provider objects.
const (
	MetadataOrgID      = "org_id"
	MetadataPlanTier   = "plan_tier"
	MetadataPurchaseID = "purchase_id"
)

// MapStatus normalizes a provider status. Unknown values map to incomplete so
// they never grant access.
func MapStatus(raw string) enums.SubscriptionStatus {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	status, err := enums.ParseSubscriptionStatus(normalized)
	if err != nil {
		return enums.SubscriptionStatusIncomplete
	}
	return status
}

// TierResolver derives the plan tier of a provider subscription.
type TierResolver struct {
	priceTiers map[string]enums.PlanTier
}

// NewTierResolver builds a resolver from a price id -> tier name map. Entries
// naming unknown tiers are ignored.
func NewTierResolver(priceTiers map[string]string) TierResolver {
	out := make(map[string]enums.PlanTier, len(priceTiers))
	for price, raw := range priceTiers {
		if tier, err := enums.ParsePlanTier(raw); err == nil {
			out[price] = tier
		}
	}
	return TierResolver{priceTiers: out}
}

// Resolve prefers metadata.plan_tier, then the price map. The second result is
// false when neither identifies a tier.
func (r TierResolver) Resolve(sub *ProviderSubscription) (enums.PlanTier, bool) {
	if sub == nil {
		return "", false
	}
	if raw := sub.Metadata[MetadataPlanTier]; raw != "" {
		if tier, err := enums.ParsePlanTier(raw); err == nil {
			return tier, true
		}
	}
	if tier, ok := r.priceTiers[sub.PriceID]; ok {
		return tier, true
	}
	return "", false
}

// ApplyToModel copies provider state onto the local row. The tier is only
// overwritten when known.
func ApplyToModel(target *models.Subscription, sub *ProviderSubscription, tier enums.PlanTier, tierKnown bool) {
	if target == nil || sub == nil {
		return
	}
	target.StripeSubscriptionID = trimmedPtr(sub.ID)
	if customer := trimmedPtr(sub.CustomerID); customer != nil {
		target.StripeCustomerID = customer
	}
	if price := trimmedPtr(sub.PriceID); price != nil {
		target.StripePriceID = price
	}
	target.Status = sub.Status
	if tierKnown {
		target.PlanTier = tier
	}
	target.CurrentPeriodStart = sub.CurrentPeriodStart
	target.CurrentPeriodEnd = sub.CurrentPeriodEnd
	target.TrialEnd = sub.TrialEnd
	target.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	target.CanceledAt = sub.CanceledAt
	target.EndedAt = sub.EndedAt
	if len(sub.Metadata) > 0 {
		merged := models.Metadata{}
		for k, v := range target.Metadata {
			merged[k] = v
		}
		for k, v := range sub.Metadata {
			merged[k] = v
		}
		target.Metadata = merged
	}
}

// IsActiveStatus reports whether the status keeps paid features available.
func IsActiveStatus(status enums.SubscriptionStatus) bool {
	return status == enums.SubscriptionStatusActive || status == enums.SubscriptionStatusTrialing
}

func trimmedPtr(value string) *string {
	if s := strings.TrimSpace(value); s != "" {
		return &s
	}
	return nil
}
