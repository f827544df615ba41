package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell/agent-billing/pkg/db/dbtest"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
)

func newTestService(t *testing.T) (*Service, Repository) {
	t.Helper()
	client := dbtest.Client(t)
	repo := NewRepository(client.DB())
	svc, err := NewService(ServiceParams{Repo: repo, DB: client})
	require.NoError(t, err)
	return svc, repo
}

func TestCreateOrganizationSeedsFreeAllotments(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)

	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, enums.PlanTierFree, org.SubscriptionTier)

	balance, err := repo.FindCreditBalance(ctx, org.ID)
	require.NoError(t, err)
	require.NotNil(t, balance)
	free := PlanAllotment(enums.PlanTierFree)
	assert.Equal(t, free.Credits[enums.CreditTierSmall], balance.IncludedSmall)
	assert.WithinDuration(t, balance.BillingPeriodStart.AddDate(0, 1, 0), balance.BillingPeriodEnd, time.Second)

	quotas, err := repo.ListFeatureQuotas(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, quotas, len(enums.FeatureTypes()))
}

func TestIncrementFeatureUsageStopsAtLimit(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	limit := PlanAllotment(enums.PlanTierFree).Features[enums.FeatureResearch]
	for i := int64(0); i < limit; i++ {
		ok, err := repo.IncrementFeatureUsage(ctx, org.ID, enums.FeatureResearch, 1)
		require.NoError(t, err)
		require.True(t, ok, "increment %d", i)
	}
	ok, err := repo.IncrementFeatureUsage(ctx, org.ID, enums.FeatureResearch, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	quota, err := repo.FindFeatureQuota(ctx, org.ID, enums.FeatureResearch)
	require.NoError(t, err)
	assert.Equal(t, limit, quota.Used)

	ok, err = repo.IncrementFeatureUsage(ctx, uuid.New(), enums.FeatureResearch, 1)
	require.NoError(t, err)
	assert.False(t, ok, "missing rows never succeed")
}

// Two writers that both saw one unit of headroom: only the first UPDATE
// matches, because the limit check lives in the WHERE clause.
func TestIncrementFeatureUsageGuardsAgainstStaleReads(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	limit := PlanAllotment(enums.PlanTierFree).Features[enums.FeatureIdeation]
	ok, err := repo.IncrementFeatureUsage(ctx, org.ID, enums.FeatureIdeation, limit-1)
	require.NoError(t, err)
	require.True(t, ok)

	seen, err := repo.FindFeatureQuota(ctx, org.ID, enums.FeatureIdeation)
	require.NoError(t, err)
	require.Equal(t, int64(1), seen.QuotaLimit-seen.Used)

	first, err := repo.IncrementFeatureUsage(ctx, org.ID, enums.FeatureIdeation, 1)
	require.NoError(t, err)
	second, err := repo.IncrementFeatureUsage(ctx, org.ID, enums.FeatureIdeation, 1)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	after, err := repo.FindFeatureQuota(ctx, org.ID, enums.FeatureIdeation)
	require.NoError(t, err)
	assert.Equal(t, after.QuotaLimit, after.Used)
}

func TestConsumeIncludedAndTopup(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	ok, err := repo.ConsumeIncluded(ctx, org.ID, enums.CreditTierXL)
	require.NoError(t, err)
	assert.False(t, ok, "free plan includes no xl actions")

	ok, err = repo.ConsumeIncluded(ctx, org.ID, enums.CreditTierLarge)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ConsumeTopup(ctx, org.ID, 8)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.AddTopupCredits(ctx, org.ID, 10))
	ok, err = repo.ConsumeTopup(ctx, org.ID, 8)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.ConsumeTopup(ctx, org.ID, 8)
	require.NoError(t, err)
	assert.False(t, ok)

	balance, err := repo.FindCreditBalance(ctx, org.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, balance.UsedLarge)
	assert.EqualValues(t, 2, balance.TopupRemaining())
}

func TestResetAllotmentsKeepsTopupAndZeroesUsage(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	require.NoError(t, repo.AddTopupCredits(ctx, org.ID, 25))
	_, err = repo.ConsumeIncluded(ctx, org.ID, enums.CreditTierSmall)
	require.NoError(t, err)
	_, err = repo.IncrementFeatureUsage(ctx, org.ID, enums.FeatureIdeation, 3)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ResetAllotments(ctx, repo, org.ID, enums.PlanTierPro, start))

	balance, err := repo.FindCreditBalance(ctx, org.ID)
	require.NoError(t, err)
	pro := PlanAllotment(enums.PlanTierPro)
	assert.Equal(t, pro.Credits[enums.CreditTierSmall], balance.IncludedSmall)
	assert.Zero(t, balance.UsedSmall)
	assert.EqualValues(t, 25, balance.TopupCredits)
	assert.True(t, balance.BillingPeriodEnd.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))

	quota, err := repo.FindFeatureQuota(ctx, org.ID, enums.FeatureIdeation)
	require.NoError(t, err)
	assert.Zero(t, quota.Used)
	assert.Equal(t, pro.Features[enums.FeatureIdeation], quota.QuotaLimit)
}

func TestListExpiredFreeBalances(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	freeOrg, err := svc.CreateOrganization(ctx, "Free")
	require.NoError(t, err)
	paidOrg, err := svc.CreateOrganization(ctx, "Paid")
	require.NoError(t, err)
	require.NoError(t, repo.UpdateOrganization(ctx, paidOrg.ID, map[string]any{"subscription_tier": enums.PlanTierPro}))

	past := time.Now().UTC().AddDate(0, -2, 0)
	for _, id := range []uuid.UUID{freeOrg.ID, paidOrg.ID} {
		require.NoError(t, repo.ResetCreditBalance(ctx, id, PlanAllotment(enums.PlanTierFree).Credits, past, past.AddDate(0, 1, 0)))
	}

	expired, err := repo.ListExpiredFreeBalances(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, freeOrg.ID, expired[0].OrgID)
}

func TestSettlePurchaseOnlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(t)
	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	purchase := &models.CreditPurchase{OrgID: org.ID, Credits: 100, Currency: "usd", Status: enums.PurchaseStatusPending}
	require.NoError(t, repo.CreatePurchase(ctx, purchase))
	require.NoError(t, repo.SetPurchasePaymentIntent(ctx, purchase.ID, "pi_123"))

	ok, err := repo.SettlePurchase(ctx, purchase.ID, enums.PurchaseStatusSucceeded, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.SettlePurchase(ctx, purchase.ID, enums.PurchaseStatusFailed, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.SettlePurchase(ctx, purchase.ID, enums.PurchaseStatusPending, nil, time.Now())
	require.Error(t, err)

	stored, err := repo.FindPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PurchaseStatusSucceeded, stored.Status)
	require.NotNil(t, stored.StripePaymentIntentID)
	assert.Equal(t, "pi_123", *stored.StripePaymentIntentID)
}
