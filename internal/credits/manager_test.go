package credits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/internal/billingevents"
	"github.com/pixell/agent-billing/internal/subscriptions"
	"github.com/pixell/agent-billing/pkg/db/dbtest"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/outbox"
)

type stubPayments struct {
	requests []subscriptions.PaymentIntentRequest
	err      error
}

func (s *stubPayments) CreatePaymentIntent(_ context.Context, req subscriptions.PaymentIntentRequest) (*subscriptions.PaymentIntent, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &subscriptions.PaymentIntent{ID: "pi_" + req.PurchaseID.String()[:8], ClientSecret: "secret"}, nil
}

type fixture struct {
	conn     *gorm.DB
	repo     billing.Repository
	manager  *Manager
	payments *stubPayments
	orgID    uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	client := dbtest.Client(t)
	repo := billing.NewRepository(client.DB())
	svc, err := billing.NewService(billing.ServiceParams{Repo: repo, DB: client})
	require.NoError(t, err)
	org, err := svc.CreateOrganization(context.Background(), "Acme")
	require.NoError(t, err)

	events, err := billingevents.NewService(billingevents.NewRepository(client.DB()), nil)
	require.NoError(t, err)
	payments := &stubPayments{}
	manager, err := NewManager(ManagerParams{
		DB:              client,
		Repo:            repo,
		Events:          events,
		Outbox:          outbox.NewService(outbox.NewRepository(client.DB()), nil),
		Payments:        payments,
		UnitPrice:       decimal.RequireFromString("0.10"),
		Currency:        "USD",
		MinTopUpCredits: 50,
	})
	require.NoError(t, err)
	return fixture{conn: client.DB(), repo: repo, manager: manager, payments: payments, orgID: org.ID}
}

func (f fixture) setBalance(t *testing.T, fields map[string]any) {
	t.Helper()
	require.NoError(t, f.conn.Model(&models.CreditBalance{}).Where("org_id = ?", f.orgID).Updates(fields).Error)
}

func (f fixture) outboxEvents(t *testing.T) []models.OutboxEvent {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, f.conn.Find(&rows).Error)
	return rows
}

func TestCheckCreditsUsesIncludedThenTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.setBalance(t, map[string]any{"included_large": 1, "used_large": 0, "topup_credits": 0})
	check, err := f.manager.CheckCredits(ctx, f.orgID, enums.CreditTierLarge)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, int64(4), check.Cost)
	assert.Equal(t, int64(4), check.Remaining)

	f.setBalance(t, map[string]any{"used_large": 1, "topup_credits": 3})
	check, err = f.manager.CheckCredits(ctx, f.orgID, enums.CreditTierLarge)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, ReasonInsufficient, check.Reason)
	assert.Equal(t, int64(3), check.Remaining)

	f.setBalance(t, map[string]any{"topup_credits": 4})
	check, err = f.manager.CheckCredits(ctx, f.orgID, enums.CreditTierLarge)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
}

func TestCheckCreditsUnknownOrgIsDenied(t *testing.T) {
	f := newFixture(t)
	check, err := f.manager.CheckCredits(context.Background(), uuid.New(), enums.CreditTierSmall)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, ReasonNoBalance, check.Reason)

	_, err = f.manager.CheckCredits(context.Background(), f.orgID, enums.CreditTier("huge"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestDeductCreditsDrawsIncludedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setBalance(t, map[string]any{"included_medium": 1, "used_medium": 0, "topup_credits": 10})

	first, err := f.manager.DeductCredits(ctx, f.orgID, "user-1", enums.CreditTierMedium)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, SourceIncluded, first.Source)
	assert.Equal(t, int64(10), first.Remaining)

	second, err := f.manager.DeductCredits(ctx, f.orgID, "user-1", enums.CreditTierMedium)
	require.NoError(t, err)
	require.True(t, second.Success)
	assert.Equal(t, SourceTopUp, second.Source)
	assert.Equal(t, int64(8), second.Remaining)

	balance, err := f.repo.FindCreditBalance(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.UsedMedium)
	assert.Equal(t, int64(2), balance.TopupCreditsUsed)

	var audited int64
	require.NoError(t, f.conn.Model(&models.BillingEvent{}).Where("org_id = ?", f.orgID).Count(&audited).Error)
	assert.Equal(t, int64(2), audited)
}

func TestDeductCreditsInsufficientHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setBalance(t, map[string]any{"included_xl": 0, "topup_credits": 7})

	result, err := f.manager.DeductCredits(ctx, f.orgID, "user-1", enums.CreditTierXL)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonInsufficient, result.Error)
	assert.Equal(t, int64(7), result.Remaining)

	balance, err := f.repo.FindCreditBalance(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TopupCreditsUsed)

	var audited int64
	require.NoError(t, f.conn.Model(&models.BillingEvent{}).Count(&audited).Error)
	assert.Zero(t, audited)
}

func TestDeductCreditsQueuesAutoTopUpOnThresholdCrossing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setBalance(t, map[string]any{
		"included_small":       0,
		"topup_credits":        12,
		"auto_topup_enabled":   true,
		"auto_topup_threshold": 10,
		"auto_topup_amount":    500,
	})

	result, err := f.manager.DeductCredits(ctx, f.orgID, "user-1", enums.CreditTierSmall)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Empty(t, f.outboxEvents(t))

	result, err = f.manager.DeductCredits(ctx, f.orgID, "user-1", enums.CreditTierSmall)
	require.NoError(t, err)
	require.True(t, result.Success)
	rows := f.outboxEvents(t)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.EventAutoTopUpRequested, rows[0].EventType)
	assert.Equal(t, f.orgID, rows[0].AggregateID)
	assert.Contains(t, rows[0].Payload, `"remaining":10`)

	_, err = f.manager.DeductCredits(ctx, f.orgID, "user-1", enums.CreditTierSmall)
	require.NoError(t, err)
	assert.Len(t, f.outboxEvents(t), 1)
}

func TestDeductCreditsNoAutoTopUpWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, map[string]any{"included_small": 0, "topup_credits": 1, "auto_topup_threshold": 5})

	result, err := f.manager.DeductCredits(context.Background(), f.orgID, "user-1", enums.CreditTierSmall)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Empty(t, f.outboxEvents(t))
}

func TestAutoTopUpSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	settings, err := f.manager.GetAutoTopUp(ctx, f.orgID)
	require.NoError(t, err)
	assert.False(t, settings.Enabled)

	updated, err := f.manager.UpdateAutoTopUp(ctx, f.orgID, AutoTopUpSettings{Enabled: true, Threshold: 20, Amount: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(200), updated.Amount)

	settings, err = f.manager.GetAutoTopUp(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, AutoTopUpSettings{Enabled: true, Threshold: 20, Amount: 200}, *settings)

	_, err = f.manager.UpdateAutoTopUp(ctx, f.orgID, AutoTopUpSettings{Enabled: true, Threshold: 20})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = f.manager.UpdateAutoTopUp(ctx, f.orgID, AutoTopUpSettings{Threshold: -1})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = f.manager.UpdateAutoTopUp(ctx, uuid.New(), AutoTopUpSettings{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	_, err = f.manager.GetAutoTopUp(ctx, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestStartTopUpPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	purchase, err := f.manager.StartTopUpPurchase(ctx, f.orgID, 100)
	require.NoError(t, err)
	require.Len(t, f.payments.requests, 1)
	req := f.payments.requests[0]
	assert.Equal(t, purchase.Purchase.ID, req.PurchaseID)
	assert.True(t, decimal.RequireFromString("10").Equal(req.Amount))
	assert.Equal(t, "usd", req.Currency)
	assert.Equal(t, "secret", purchase.ClientSecret)

	stored, err := f.repo.FindPurchase(ctx, purchase.Purchase.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, enums.PurchaseStatusPending, stored.Status)
	require.NotNil(t, stored.StripePaymentIntentID)
	assert.Equal(t, purchase.PaymentIntentID, *stored.StripePaymentIntentID)

	_, err = f.manager.StartTopUpPurchase(ctx, f.orgID, 10)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = f.manager.StartTopUpPurchase(ctx, uuid.New(), 100)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestStartTopUpPurchaseMarksFailedOnProviderError(t *testing.T) {
	f := newFixture(t)
	f.payments.err = errors.New("card network down")

	_, err := f.manager.StartTopUpPurchase(context.Background(), f.orgID, 60)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	var purchases []models.CreditPurchase
	require.NoError(t, f.conn.Find(&purchases).Error)
	require.Len(t, purchases, 1)
	assert.Equal(t, enums.PurchaseStatusFailed, purchases[0].Status)
	require.NotNil(t, purchases[0].FailureReason)
	assert.Contains(t, *purchases[0].FailureReason, "card network down")
	assert.NotNil(t, purchases[0].CompletedAt)
}

func TestResetForPeriodAppliesPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setBalance(t, map[string]any{"used_small": 3, "topup_credits": 40})
	start := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, f.manager.ResetForPeriod(ctx, f.conn, f.orgID, enums.PlanTierPro, start))

	balance, err := f.repo.FindCreditBalance(ctx, f.orgID)
	require.NoError(t, err)
	pro := billing.PlanAllotment(enums.PlanTierPro)
	assert.Equal(t, pro.Credits[enums.CreditTierSmall], balance.IncludedSmall)
	assert.Zero(t, balance.UsedSmall)
	assert.Equal(t, int64(40), balance.TopupCredits)
	assert.True(t, balance.BillingPeriodEnd.Equal(start.AddDate(0, 1, 0)))

	quota, err := f.repo.FindFeatureQuota(ctx, f.orgID, enums.FeatureResearch)
	require.NoError(t, err)
	assert.Equal(t, pro.Features[enums.FeatureResearch], quota.QuotaLimit)
}
