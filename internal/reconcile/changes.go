package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/pixell/agent-billing/internal/subscriptions"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
)

// Field names one reconciled attribute.
type Field string

const (
	FieldPlanTier          Field = "planTier"
	FieldStatus            Field = "status"
	FieldSubscriptionID    Field = "subscriptionId"
	FieldCustomerID        Field = "customerId"
	FieldCancelAtPeriodEnd Field = "cancelAtPeriodEnd"
)

// Fields lists every reconciled field in comparison order.
func Fields() []Field {
	return []Field{FieldPlanTier, FieldStatus, FieldSubscriptionID, FieldCustomerID, FieldCancelAtPeriodEnd}
}

// Value is a typed field value. The concrete types are TierValue,
// StatusValue, IDValue and BoolValue.
type Value interface {
	fmt.Stringer
	isValue()
}

type (
	TierValue   enums.PlanTier
	StatusValue enums.SubscriptionStatus
	IDValue     string
	BoolValue   bool
)

func (TierValue) isValue()   {}
func (StatusValue) isValue() {}
func (IDValue) isValue()     {}
func (BoolValue) isValue()   {}

func (v TierValue) String() string   { return string(v) }
func (v StatusValue) String() string { return string(v) }
func (v IDValue) String() string     { return string(v) }
func (v BoolValue) String() string   { return fmt.Sprintf("%t", bool(v)) }

// Change is one field that differs between local and provider state.
type Change struct {
	Field  Field
	Before Value
	After  Value
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Field, c.Before, c.After)
}

func (c Change) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Field  Field `json:"field"`
		Before Value `json:"before"`
		After  Value `json:"after"`
	}{c.Field, c.Before, c.After})
}

// ChangeList is ordered by Fields().
type ChangeList []Change

// Has reports whether field changed.
func (l ChangeList) Has(field Field) bool {
	for _, c := range l {
		if c.Field == field {
			return true
		}
	}
	return false
}

// LocalState is the reconciled projection of a local subscription row.
type LocalState struct {
	PlanTier          enums.PlanTier
	Status            enums.SubscriptionStatus
	SubscriptionID    string
	CustomerID        string
	CancelAtPeriodEnd bool
}

// ProviderState is the reconciled projection of provider data. Empty
// PlanTier, SubscriptionID or CustomerID mean unknown and are not compared.
type ProviderState struct {
	PlanTier          enums.PlanTier
	Status            enums.SubscriptionStatus
	SubscriptionID    string
	CustomerID        string
	CancelAtPeriodEnd bool
}

// LocalStateOf projects a subscription row.
func LocalStateOf(sub models.Subscription) LocalState {
	return LocalState{
		PlanTier:          sub.PlanTier,
		Status:            sub.Status,
		SubscriptionID:    deref(sub.StripeSubscriptionID),
		CustomerID:        deref(sub.StripeCustomerID),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
}

// ProviderStateOf projects a provider subscription, resolving its tier.
// Terminal statuses project to canceled on the free tier.
func ProviderStateOf(provider *subscriptions.ProviderSubscription, resolver subscriptions.TierResolver) ProviderState {
	if provider == nil {
		return ProviderState{}
	}
	state := ProviderState{
		Status:            provider.Status,
		SubscriptionID:    provider.ID,
		CustomerID:        provider.CustomerID,
		CancelAtPeriodEnd: provider.CancelAtPeriodEnd,
	}
	if tier, ok := resolver.Resolve(provider); ok {
		state.PlanTier = tier
	}
	if provider.Status.IsTerminal() {
		state.PlanTier = enums.PlanTierFree
		state.Status = enums.SubscriptionStatusCanceled
	}
	return state
}

// MissingProviderState is what local should become when the provider no
// longer knows the subscription.
func MissingProviderState(local LocalState) ProviderState {
	return ProviderState{
		PlanTier:       enums.PlanTierFree,
		Status:         enums.SubscriptionStatusCanceled,
		SubscriptionID: local.SubscriptionID,
		CustomerID:     local.CustomerID,
	}
}

// DetectChanges compares local against provider over Fields(). It has no
// side effects.
func DetectChanges(local LocalState, provider ProviderState) ChangeList {
	var out ChangeList
	for _, field := range Fields() {
		switch field {
		case FieldPlanTier:
			if provider.PlanTier != "" && provider.PlanTier != local.PlanTier {
				out = append(out, Change{Field: field, Before: TierValue(local.PlanTier), After: TierValue(provider.PlanTier)})
			}
		case FieldStatus:
			if provider.Status != "" && provider.Status != local.Status {
				out = append(out, Change{Field: field, Before: StatusValue(local.Status), After: StatusValue(provider.Status)})
			}
		case FieldSubscriptionID:
			if provider.SubscriptionID != "" && provider.SubscriptionID != local.SubscriptionID {
				out = append(out, Change{Field: field, Before: IDValue(local.SubscriptionID), After: IDValue(provider.SubscriptionID)})
			}
		case FieldCustomerID:
			if provider.CustomerID != "" && provider.CustomerID != local.CustomerID {
				out = append(out, Change{Field: field, Before: IDValue(local.CustomerID), After: IDValue(provider.CustomerID)})
			}
		case FieldCancelAtPeriodEnd:
			if provider.CancelAtPeriodEnd != local.CancelAtPeriodEnd {
				out = append(out, Change{Field: field, Before: BoolValue(local.CancelAtPeriodEnd), After: BoolValue(provider.CancelAtPeriodEnd)})
			}
		}
	}
	return out
}

// Apply overwrites sub and the organization's denormalized fields with
// provider state. Applying the same state twice leaves both unchanged.
func Apply(sub *models.Subscription, org *models.Organization, provider ProviderState) {
	if sub != nil {
		if provider.PlanTier != "" {
			sub.PlanTier = provider.PlanTier
		}
		if provider.Status != "" {
			sub.Status = provider.Status
		}
		if provider.SubscriptionID != "" {
			id := provider.SubscriptionID
			sub.StripeSubscriptionID = &id
		}
		if provider.CustomerID != "" {
			id := provider.CustomerID
			sub.StripeCustomerID = &id
		}
		sub.CancelAtPeriodEnd = provider.CancelAtPeriodEnd
	}
	if org != nil {
		if provider.PlanTier != "" {
			org.SubscriptionTier = provider.PlanTier
		}
		if provider.Status != "" {
			org.SubscriptionStatus = provider.Status
		}
		if provider.CustomerID != "" {
			id := provider.CustomerID
			org.StripeCustomerID = &id
		}
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
