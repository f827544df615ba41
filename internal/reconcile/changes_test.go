package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell/agent-billing/internal/subscriptions"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
)

func strPtr(v string) *string { return &v }

func TestDetectChangesTierOnly(t *testing.T) {
	local := LocalState{PlanTier: enums.PlanTierFree, Status: enums.SubscriptionStatusActive, SubscriptionID: "sub_1", CustomerID: "cus_1"}
	provider := ProviderState{PlanTier: enums.PlanTierPro, Status: enums.SubscriptionStatusActive, SubscriptionID: "sub_1", CustomerID: "cus_1"}

	changes := DetectChanges(local, provider)
	require.Len(t, changes, 1)
	assert.Equal(t, FieldPlanTier, changes[0].Field)
	assert.Equal(t, TierValue(enums.PlanTierFree), changes[0].Before)
	assert.Equal(t, TierValue(enums.PlanTierPro), changes[0].After)
	assert.Equal(t, "planTier: free -> pro", changes[0].String())
}

func TestDetectChangesIgnoresUnknownProviderFields(t *testing.T) {
	local := LocalState{PlanTier: enums.PlanTierPro, Status: enums.SubscriptionStatusActive, SubscriptionID: "sub_1", CustomerID: "cus_1"}
	provider := ProviderState{Status: enums.SubscriptionStatusActive}

	assert.Empty(t, DetectChanges(local, provider))
}

func TestDetectChangesOrder(t *testing.T) {
	local := LocalState{PlanTier: enums.PlanTierStarter, Status: enums.SubscriptionStatusActive}
	provider := ProviderState{
		PlanTier:          enums.PlanTierMax,
		Status:            enums.SubscriptionStatusPastDue,
		SubscriptionID:    "sub_9",
		CustomerID:        "cus_9",
		CancelAtPeriodEnd: true,
	}
	changes := DetectChanges(local, provider)
	fields := make([]Field, 0, len(changes))
	for _, c := range changes {
		fields = append(fields, c.Field)
	}
	assert.Equal(t, Fields(), fields)
	assert.True(t, changes.Has(FieldCancelAtPeriodEnd))
}

func TestApplyThenDetectIsEmpty(t *testing.T) {
	sub := models.Subscription{
		PlanTier:         enums.PlanTierFree,
		Status:           enums.SubscriptionStatusTrialing,
		StripeCustomerID: strPtr("cus_old"),
	}
	org := models.Organization{SubscriptionTier: enums.PlanTierFree, SubscriptionStatus: enums.SubscriptionStatusTrialing}
	provider := ProviderState{
		PlanTier:          enums.PlanTierPro,
		Status:            enums.SubscriptionStatusActive,
		SubscriptionID:    "sub_1",
		CustomerID:        "cus_1",
		CancelAtPeriodEnd: true,
	}

	require.NotEmpty(t, DetectChanges(LocalStateOf(sub), provider))
	Apply(&sub, &org, provider)
	assert.Empty(t, DetectChanges(LocalStateOf(sub), provider))
	assert.Equal(t, enums.PlanTierPro, org.SubscriptionTier)
	assert.Equal(t, enums.SubscriptionStatusActive, org.SubscriptionStatus)
	assert.Equal(t, "cus_1", *org.StripeCustomerID)

	before := sub
	Apply(&sub, &org, provider)
	assert.Equal(t, before, sub)
}

func TestProviderStateOfTerminalIsFreeCanceled(t *testing.T) {
	resolver := subscriptions.NewTierResolver(map[string]string{"price_pro": "pro"})
	state := ProviderStateOf(&subscriptions.ProviderSubscription{
		ID:      "sub_1",
		PriceID: "price_pro",
		Status:  enums.SubscriptionStatusIncompleteExpired,
	}, resolver)
	assert.Equal(t, enums.PlanTierFree, state.PlanTier)
	assert.Equal(t, enums.SubscriptionStatusCanceled, state.Status)

	state = ProviderStateOf(&subscriptions.ProviderSubscription{ID: "sub_1", PriceID: "price_unknown", Status: enums.SubscriptionStatusActive}, resolver)
	assert.Empty(t, state.PlanTier)
}

func TestMissingProviderState(t *testing.T) {
	local := LocalState{PlanTier: enums.PlanTierPro, Status: enums.SubscriptionStatusActive, SubscriptionID: "sub_1", CustomerID: "cus_1"}
	changes := DetectChanges(local, MissingProviderState(local))
	require.Len(t, changes, 2)
	assert.True(t, changes.Has(FieldPlanTier))
	assert.True(t, changes.Has(FieldStatus))
}

func TestChangeMarshalJSON(t *testing.T) {
	raw, err := json.Marshal(Change{Field: FieldCancelAtPeriodEnd, Before: BoolValue(false), After: BoolValue(true)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"field":"cancelAtPeriodEnd","before":false,"after":true}`, string(raw))
}
