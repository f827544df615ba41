package stripewebhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/internal/billingevents"
	"github.com/pixell/agent-billing/internal/credits"
	"github.com/pixell/agent-billing/internal/subscriptions"
	"github.com/pixell/agent-billing/pkg/db/dbtest"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/outbox"
	"github.com/pixell/agent-billing/pkg/redis"
)

type fixture struct {
	conn    *gorm.DB
	repo    billing.Repository
	service *Service
	orgID   uuid.UUID
}

func newFixture(t *testing.T, g guard) fixture {
	t.Helper()
	client := dbtest.Client(t)
	repo := billing.NewRepository(client.DB())
	billingSvc, err := billing.NewService(billing.ServiceParams{Repo: repo, DB: client})
	require.NoError(t, err)
	org, err := billingSvc.CreateOrganization(context.Background(), "Acme")
	require.NoError(t, err)

	events, err := billingevents.NewService(billingevents.NewRepository(client.DB()), nil)
	require.NoError(t, err)
	emitter := outbox.NewService(outbox.NewRepository(client.DB()), nil)
	creditManager, err := credits.NewManager(credits.ManagerParams{DB: client, Repo: repo, Events: events, Outbox: emitter})
	require.NoError(t, err)
	lifecycle, err := subscriptions.NewLifecycle(subscriptions.LifecycleParams{
		Repo:       repo,
		Outbox:     emitter,
		Allotments: creditManager,
		Resolver:   subscriptions.NewTierResolver(map[string]string{"price_starter": "starter", "price_pro": "pro"}),
	})
	require.NoError(t, err)

	service, err := NewService(ServiceParams{
		DB:          client,
		Ledger:      NewLedger(client.DB()),
		BillingRepo: repo,
		Lifecycle:   lifecycle,
		Outbox:      emitter,
		Guard:       g,
	})
	require.NoError(t, err)
	return fixture{conn: client.DB(), repo: repo, service: service, orgID: org.ID}
}

func event(id string, eventType stripe.EventType, created int64, object any) stripe.Event {
	raw, err := json.Marshal(object)
	if err != nil {
		panic(err)
	}
	return stripe.Event{
		ID:         id,
		Type:       eventType,
		Created:    created,
		APIVersion: "2025-03-31.basil",
		Data:       &stripe.EventData{Raw: raw},
	}
}

func subscriptionObject(id, customer, status, price string, metadata map[string]string, periodStart int64) map[string]any {
	return map[string]any{
		"id":       id,
		"customer": customer,
		"status":   status,
		"metadata": metadata,
		"created":  periodStart,
		"items": map[string]any{"data": []map[string]any{{
			"price":                map[string]any{"id": price},
			"current_period_start": periodStart,
			"current_period_end":   periodStart + 30*24*3600,
		}}},
	}
}

func (f fixture) org(t *testing.T) models.Organization {
	t.Helper()
	org, err := f.repo.FindOrganization(context.Background(), f.orgID)
	require.NoError(t, err)
	require.NotNil(t, org)
	return *org
}

func (f fixture) outboxTypes(t *testing.T) []enums.OutboxEventType {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, f.conn.Order("created_at ASC").Find(&rows).Error)
	out := make([]enums.OutboxEventType, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.EventType)
	}
	return out
}

func (f fixture) activatePro(t *testing.T) {
	t.Helper()
	_, err := f.service.HandleEvent(context.Background(), event("evt_created", stripe.EventTypeCustomerSubscriptionCreated, 1735689600,
		subscriptionObject("sub_1", "cus_1", "active", "price_pro", map[string]string{"org_id": f.orgID.String()}, 1735689600)))
	require.NoError(t, err)
}

func TestCheckoutCompletedActivatesOrganization(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.conn.Model(&models.Organization{}).Where("id = ?", f.orgID).
		Update("subscription_status", enums.SubscriptionStatusIncomplete).Error)

	result, err := f.service.HandleEvent(context.Background(), event("evt_checkout", stripe.EventTypeCheckoutSessionCompleted, 1735689600, map[string]any{
		"id":                  "cs_1",
		"client_reference_id": f.orgID.String(),
		"customer":            "cus_1",
	}))
	require.NoError(t, err)
	assert.Equal(t, &Result{Received: true}, result)

	org := f.org(t)
	assert.Equal(t, enums.SubscriptionStatusActive, org.SubscriptionStatus)
	require.NotNil(t, org.StripeCustomerID)
	assert.Equal(t, "cus_1", *org.StripeCustomerID)
}

func TestSubscriptionCreatedUpgradesOrganization(t *testing.T) {
	f := newFixture(t, nil)
	f.activatePro(t)

	sub, err := f.repo.FindSubscriptionByStripeID(context.Background(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, f.orgID, sub.OrgID)
	assert.Equal(t, enums.PlanTierPro, sub.PlanTier)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodStart)
	assert.Equal(t, int64(1735689600), sub.CurrentPeriodStart.Unix())

	org := f.org(t)
	assert.Equal(t, enums.PlanTierPro, org.SubscriptionTier)

	quota, err := f.repo.FindFeatureQuota(context.Background(), f.orgID, enums.FeatureResearch)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanAllotment(enums.PlanTierPro).Features[enums.FeatureResearch], quota.QuotaLimit)
}

func TestDuplicateEventIsCached(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	evt := event("evt_dup", stripe.EventTypeCustomerSubscriptionCreated, 1735689600,
		subscriptionObject("sub_1", "cus_1", "active", "price_starter", map[string]string{"org_id": f.orgID.String()}, 1735689600))

	first, err := f.service.HandleEvent(ctx, evt)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	require.NoError(t, f.conn.Model(&models.FeatureQuota{}).Where("org_id = ?", f.orgID).Update("used", 3).Error)

	second, err := f.service.HandleEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, &Result{Received: true, Cached: true}, second)

	var ledgerRows, subRows int64
	require.NoError(t, f.conn.Model(&models.WebhookEvent{}).Count(&ledgerRows).Error)
	require.NoError(t, f.conn.Model(&models.Subscription{}).Count(&subRows).Error)
	assert.Equal(t, int64(1), ledgerRows)
	assert.Equal(t, int64(1), subRows)

	quota, err := f.repo.FindFeatureQuota(ctx, f.orgID, enums.FeatureIdeation)
	require.NoError(t, err)
	assert.Equal(t, int64(3), quota.Used, "a replay must not reset allotments again")
}

func TestPaymentFailedThenSucceeded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.activatePro(t)

	_, err := f.service.HandleEvent(ctx, event("evt_fail", stripe.EventTypeInvoicePaymentFailed, 1735700000, map[string]any{
		"id": "in_1", "customer": "cus_1", "subscription": "sub_1",
	}))
	require.NoError(t, err)

	sub, err := f.repo.FindSubscriptionByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, enums.SubscriptionStatusPastDue, f.org(t).SubscriptionStatus)
	assert.Equal(t, []enums.OutboxEventType{enums.EventSubscriptionPastDue}, f.outboxTypes(t))

	_, err = f.service.HandleEvent(ctx, event("evt_paid", stripe.EventTypeInvoicePaymentSucceeded, 1735800000, map[string]any{
		"id": "in_1", "customer": "cus_1", "parent": map[string]any{"subscription_details": map[string]any{"subscription": "sub_1"}},
	}))
	require.NoError(t, err)

	sub, err = f.repo.FindSubscriptionByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, enums.SubscriptionStatusActive, f.org(t).SubscriptionStatus)
}

func TestSubscriptionDeletedDowngradesToFree(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.activatePro(t)
	require.NoError(t, f.conn.Model(&models.FeatureQuota{}).Where("org_id = ?", f.orgID).Update("used", 2).Error)

	_, err := f.service.HandleEvent(ctx, event("evt_deleted", stripe.EventTypeCustomerSubscriptionDeleted, 1735800000,
		subscriptionObject("sub_1", "cus_1", "canceled", "price_pro", nil, 1735689600)))
	require.NoError(t, err)

	sub, err := f.repo.FindSubscriptionByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusCanceled, sub.Status)
	assert.Equal(t, enums.PlanTierFree, sub.PlanTier)
	assert.NotNil(t, sub.EndedAt)
	assert.Equal(t, enums.PlanTierFree, f.org(t).SubscriptionTier)

	quota, err := f.repo.FindFeatureQuota(ctx, f.orgID, enums.FeatureResearch)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanAllotment(enums.PlanTierFree).Features[enums.FeatureResearch], quota.QuotaLimit)
	assert.Zero(t, quota.Used)
	assert.WithinDuration(t, time.Now().UTC(), quota.PeriodStart, time.Minute)
	assert.Equal(t, []enums.OutboxEventType{enums.EventSubscriptionCanceled}, f.outboxTypes(t))
}

func TestStaleSubscriptionUpdateIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.activatePro(t)

	_, err := f.service.HandleEvent(ctx, event("evt_old", stripe.EventTypeCustomerSubscriptionUpdated, 1735600000,
		subscriptionObject("sub_1", "cus_1", "past_due", "price_starter", nil, 1735689600)))
	require.NoError(t, err)

	sub, err := f.repo.FindSubscriptionByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, enums.PlanTierPro, sub.PlanTier)
}

func TestTrialWillEndEmitsNotification(t *testing.T) {
	f := newFixture(t, nil)
	f.activatePro(t)

	obj := subscriptionObject("sub_1", "cus_1", "trialing", "price_pro", nil, 1735689600)
	obj["trial_end"] = 1736000000
	_, err := f.service.HandleEvent(context.Background(), event("evt_trial", stripe.EventTypeCustomerSubscriptionTrialWillEnd, 1735700000, obj))
	require.NoError(t, err)
	assert.Equal(t, []enums.OutboxEventType{enums.EventSubscriptionTrialWillEnd}, f.outboxTypes(t))

	sub, err := f.repo.FindSubscriptionByStripeID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
}

func TestPaymentIntentSucceededSettlesPurchaseOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	purchase := &models.CreditPurchase{
		OrgID:    f.orgID,
		Credits:  100,
		Amount:   decimal.RequireFromString("10"),
		Currency: "usd",
		Status:   enums.PurchaseStatusPending,
	}
	require.NoError(t, f.repo.CreatePurchase(ctx, purchase))
	intent := map[string]any{"id": "pi_1", "metadata": map[string]string{"purchase_id": purchase.ID.String()}}

	_, err := f.service.HandleEvent(ctx, event("evt_pi_1", stripe.EventTypePaymentIntentSucceeded, 1735700000, intent))
	require.NoError(t, err)
	_, err = f.service.HandleEvent(ctx, event("evt_pi_2", stripe.EventTypePaymentIntentSucceeded, 1735700001, intent))
	require.NoError(t, err)

	stored, err := f.repo.FindPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PurchaseStatusSucceeded, stored.Status)
	require.NotNil(t, stored.StripePaymentIntentID)
	assert.Equal(t, "pi_1", *stored.StripePaymentIntentID)

	balance, err := f.repo.FindCreditBalance(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.TopupCredits)
	assert.Equal(t, []enums.OutboxEventType{enums.EventCreditPurchaseSucceeded}, f.outboxTypes(t))
}

func TestPaymentIntentFailedRecordsReason(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	purchase := &models.CreditPurchase{
		OrgID:    f.orgID,
		Credits:  50,
		Amount:   decimal.RequireFromString("5"),
		Currency: "usd",
		Status:   enums.PurchaseStatusPending,
	}
	require.NoError(t, f.repo.CreatePurchase(ctx, purchase))

	_, err := f.service.HandleEvent(ctx, event("evt_pi_fail", stripe.EventTypePaymentIntentPaymentFailed, 1735700000, map[string]any{
		"id":                 "pi_2",
		"metadata":           map[string]string{"purchase_id": purchase.ID.String()},
		"last_payment_error": map[string]string{"message": "insufficient funds"},
	}))
	require.NoError(t, err)

	stored, err := f.repo.FindPurchase(ctx, purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.PurchaseStatusFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "insufficient funds", *stored.FailureReason)
}

func TestUnknownEventTypeIsIgnoredButRecorded(t *testing.T) {
	f := newFixture(t, nil)
	result, err := f.service.HandleEvent(context.Background(), event("evt_other", stripe.EventType("customer.created"), 1735700000, map[string]any{"id": "cus_9"}))
	require.NoError(t, err)
	assert.True(t, result.Received)

	var row models.WebhookEvent
	require.NoError(t, f.conn.Where("stripe_event_id = ?", "evt_other").First(&row).Error)
	assert.True(t, row.Processed)
	assert.Nil(t, row.ProcessingError)
}

func TestHandlerFailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	evt := event("evt_orphan", stripe.EventTypeCustomerSubscriptionCreated, 1735689600,
		subscriptionObject("sub_9", "cus_unknown", "active", "price_pro", nil, 1735689600))

	_, err := f.service.HandleEvent(ctx, evt)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInternal))

	var row models.WebhookEvent
	require.NoError(t, f.conn.Where("stripe_event_id = ?", "evt_orphan").First(&row).Error)
	assert.True(t, row.Processed)
	require.NotNil(t, row.ProcessingError)
	assert.Contains(t, *row.ProcessingError, "could not be resolved")
	assert.Equal(t, 1, row.Attempts)

	require.NoError(t, f.conn.Model(&models.Organization{}).Where("id = ?", f.orgID).Update("stripe_customer_id", "cus_unknown").Error)

	result, err := f.service.HandleEvent(ctx, evt)
	require.NoError(t, err)
	assert.False(t, result.Cached)

	require.NoError(t, f.conn.Where("stripe_event_id = ?", "evt_orphan").First(&row).Error)
	assert.Nil(t, row.ProcessingError)
	assert.Equal(t, 2, row.Attempts)
}

func TestInFlightGuardRejectsConcurrentDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	g, err := NewInFlightGuard(client, time.Minute)
	require.NoError(t, err)
	f := newFixture(t, g)
	ctx := context.Background()

	release, err := g.Claim(ctx, "evt_busy")
	require.NoError(t, err)
	_, err = g.Claim(ctx, "evt_busy")
	require.ErrorIs(t, err, ErrInFlight)

	_, err = f.service.HandleEvent(ctx, event("evt_busy", stripe.EventType("customer.created"), 1, map[string]any{"id": "cus_1"}))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	require.NoError(t, release(ctx))
	result, err := f.service.HandleEvent(ctx, event("evt_busy", stripe.EventType("customer.created"), 1, map[string]any{"id": "cus_1"}))
	require.NoError(t, err)
	assert.True(t, result.Received)
	assert.False(t, mr.Exists(client.IdempotencyKey(guardScope, "evt_busy")), "guard released after handling")
}

func TestHandleEventValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.HandleEvent(context.Background(), stripe.Event{Data: &stripe.EventData{}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = f.service.HandleEvent(context.Background(), stripe.Event{ID: "evt_x"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestLedgerPruneKeepsFailedRows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.service.HandleEvent(ctx, event("evt_ok", stripe.EventType("customer.created"), 1735700000, map[string]any{"id": "cus_9"}))
	require.NoError(t, err)
	_, err = f.service.HandleEvent(ctx, event("evt_bad", stripe.EventTypeCustomerSubscriptionCreated, 1735689600,
		subscriptionObject("sub_9", "cus_unknown", "active", "price_pro", nil, 1735689600)))
	require.Error(t, err)

	ledger := NewLedger(f.conn)
	removed, err := ledger.DeleteProcessedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	gone, err := ledger.FindByEventID(ctx, "evt_ok")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := ledger.FindByEventID(ctx, "evt_bad")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
