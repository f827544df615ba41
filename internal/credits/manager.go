package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/internal/billingevents"
	"github.com/pixell/agent-billing/internal/subscriptions"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
	"github.com/pixell/agent-billing/pkg/outbox"
	"github.com/pixell/agent-billing/pkg/outbox/payloads"
)

// Denial reasons.
const (
	ReasonNoBalance    = "no credit balance for organization"
	ReasonInsufficient = "insufficient credits"
)

// Deduction sources.
const (
	SourceIncluded = "included"
	SourceTopUp    = "topup"
)

// CreditCheck is the result of a read-only credit check for one action.
type CreditCheck struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Cost      int64  `json:"cost"`
	Remaining int64  `json:"remaining"`
}

// DeductResult reports the outcome of DeductCredits. Success is false when
// neither the included allotment nor top-up credits can cover the action.
type DeductResult struct {
	Success   bool   `json:"success"`
	Remaining int64  `json:"remaining"`
	Source    string `json:"source,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AutoTopUpSettings is the organization's automatic top-up configuration.
type AutoTopUpSettings struct {
	Enabled   bool  `json:"enabled"`
	Threshold int64 `json:"threshold"`
	Amount    int64 `json:"amount"`
}

// TopUpPurchase is a pending purchase and the handle the client confirms.
type TopUpPurchase struct {
	Purchase        *models.CreditPurchase
	PaymentIntentID string
	ClientSecret    string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ManagerParams groups dependencies for the credit manager.
type ManagerParams struct {
	DB              txRunner
	Repo            billing.Repository
	Events          billingevents.Recorder
	Outbox          outbox.Emitter
	Payments        subscriptions.PaymentIntentCreator
	UnitPrice       decimal.Decimal
	Currency        string
	MinTopUpCredits int64
	Metrics         *metrics.BillingMetrics
	Logger          *logger.Logger
}

// Manager owns legacy credit balances, top-ups and auto-top-up settings.
type Manager struct {
	db              txRunner
	repo            billing.Repository
	events          billingevents.Recorder
	outbox          outbox.Emitter
	payments        subscriptions.PaymentIntentCreator
	unitPrice       decimal.Decimal
	currency        string
	minTopUpCredits int64
	metrics         *metrics.BillingMetrics
	logg            *logger.Logger
	now             func() time.Time
}

// NewManager builds a credit manager. Payments may be nil when the caller
// never starts purchases.
func NewManager(params ManagerParams) (*Manager, error) {
	if params.DB == nil {
		return nil, errors.New("db is required")
	}
	if params.Repo == nil {
		return nil, errors.New("billing repository is required")
	}
	if params.Events == nil {
		return nil, errors.New("billing events recorder is required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox emitter is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	currency := strings.ToLower(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "usd"
	}
	minCredits := params.MinTopUpCredits
	if minCredits <= 0 {
		minCredits = 1
	}
	return &Manager{
		db:              params.DB,
		repo:            params.Repo,
		events:          params.Events,
		outbox:          params.Outbox,
		payments:        params.Payments,
		unitPrice:       params.UnitPrice,
		currency:        currency,
		minTopUpCredits: minCredits,
		metrics:         params.Metrics,
		logg:            logg,
		now:             time.Now,
	}, nil
}

// CheckCredits reports whether one action of tier can be paid for, either from
// the included allotment or from top-up credits.
func (m *Manager) CheckCredits(ctx context.Context, orgID uuid.UUID, tier enums.CreditTier) (*CreditCheck, error) {
	if err := validateTier(orgID, tier); err != nil {
		return nil, err
	}
	balance, err := m.repo.FindCreditBalance(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load credit balance")
	}
	check := &CreditCheck{Cost: tier.Cost()}
	if balance == nil {
		check.Reason = ReasonNoBalance
		m.metrics.QuotaDecision(metricFeature(tier), metrics.OutcomeDenied)
		return check, nil
	}
	check.Remaining = remainingFor(*balance, tier)
	check.Allowed = balance.Used(tier) < balance.Included(tier) || balance.TopupRemaining() >= tier.Cost()
	if !check.Allowed {
		check.Reason = ReasonInsufficient
	}
	m.metrics.QuotaDecision(metricFeature(tier), decisionOutcome(check.Allowed))
	return check, nil
}

// DeductCredits charges one action of tier, drawing from the included
// allotment first and then from top-up credits. When the deduction leaves
// top-up credits at or below an enabled auto-top-up threshold, an
// auto-top-up request is queued in the same transaction.
func (m *Manager) DeductCredits(ctx context.Context, orgID uuid.UUID, userID string, tier enums.CreditTier) (*DeductResult, error) {
	if err := validateTier(orgID, tier); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "userId is required")
	}

	result := &DeductResult{}
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		*result = DeductResult{}
		repo := m.repo.WithTx(tx)
		before, err := repo.FindCreditBalance(ctx, orgID)
		if err != nil {
			return err
		}
		if before == nil {
			result.Error = ReasonNoBalance
			return nil
		}

		ok, err := repo.ConsumeIncluded(ctx, orgID, tier)
		if err != nil {
			return err
		}
		source := SourceIncluded
		if !ok {
			ok, err = repo.ConsumeTopup(ctx, orgID, tier.Cost())
			if err != nil {
				return err
			}
			source = SourceTopUp
		}
		if !ok {
			result.Error = ReasonInsufficient
			result.Remaining = remainingFor(*before, tier)
			return nil
		}

		after, err := repo.FindCreditBalance(ctx, orgID)
		if err != nil {
			return err
		}
		if after == nil {
			return errors.New("credit balance disappeared during deduction")
		}

		if _, err := m.events.Record(ctx, tx, billingevents.Input{
			OrgID:      orgID,
			UserID:     userID,
			ActionType: metricFeature(tier),
			Source:     enums.DetectionSourceAPI,
			Confidence: decimal.NewFromInt(1),
			Metadata:   map[string]string{"source": source, "cost": fmt.Sprintf("%d", tier.Cost())},
		}); err != nil {
			return err
		}

		if source == SourceTopUp && crossedThreshold(*before, *after) {
			if err := m.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventAutoTopUpRequested,
				AggregateType: enums.AggregateOrganization,
				AggregateID:   orgID,
				Actor:         outbox.ActorCreditManager,
				Data: payloads.AutoTopUpRequestedEvent{
					OrgID:     orgID,
					Remaining: after.TopupRemaining(),
					Threshold: after.AutoTopupThreshold,
					Amount:    after.AutoTopupAmount,
				},
			}); err != nil {
				return err
			}
		}

		result.Success = true
		result.Source = source
		result.Remaining = remainingFor(*after, tier)
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "deduct credits")
	}

	m.metrics.QuotaDecision(metricFeature(tier), decisionOutcome(result.Success))
	if !result.Success {
		logCtx := m.logg.WithOrgID(ctx, orgID.String())
		logCtx = m.logg.WithFields(logCtx, map[string]any{"tier": tier, "reason": result.Error})
		m.logg.Info(logCtx, "credit deduction denied")
	}
	return result, nil
}

// GetAutoTopUp returns the organization's auto-top-up settings.
func (m *Manager) GetAutoTopUp(ctx context.Context, orgID uuid.UUID) (*AutoTopUpSettings, error) {
	if orgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orgId is required")
	}
	balance, err := m.repo.FindCreditBalance(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load credit balance")
	}
	if balance == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "credit balance not found")
	}
	return &AutoTopUpSettings{
		Enabled:   balance.AutoTopupEnabled,
		Threshold: balance.AutoTopupThreshold,
		Amount:    balance.AutoTopupAmount,
	}, nil
}

// UpdateAutoTopUp replaces the auto-top-up settings.
func (m *Manager) UpdateAutoTopUp(ctx context.Context, orgID uuid.UUID, settings AutoTopUpSettings) (*AutoTopUpSettings, error) {
	if orgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orgId is required")
	}
	if settings.Threshold < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "threshold must not be negative")
	}
	if settings.Amount < 0 || (settings.Enabled && settings.Amount == 0) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive when auto top-up is enabled")
	}
	if err := m.repo.UpdateAutoTopUp(ctx, orgID, settings.Enabled, settings.Threshold, settings.Amount); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "credit balance not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update auto top-up")
	}
	out := settings
	return &out, nil
}

// StartTopUpPurchase records a pending purchase of credits and opens a
// PaymentIntent for it. The purchase is marked failed when the provider call
// fails.
func (m *Manager) StartTopUpPurchase(ctx context.Context, orgID uuid.UUID, credits int64) (*TopUpPurchase, error) {
	if orgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orgId is required")
	}
	if credits < m.minTopUpCredits {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "credits must be at least %d", m.minTopUpCredits)
	}
	if m.payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments are not configured")
	}
	if !m.unitPrice.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "top-up unit price is not configured")
	}
	org, err := m.repo.FindOrganization(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load organization")
	}
	if org == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "organization not found")
	}

	purchase := &models.CreditPurchase{
		OrgID:    orgID,
		Credits:  credits,
		Amount:   m.unitPrice.Mul(decimal.NewFromInt(credits)).Round(2),
		Currency: m.currency,
		Status:   enums.PurchaseStatusPending,
	}
	if err := m.repo.CreatePurchase(ctx, purchase); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create credit purchase")
	}

	customerID := ""
	if org.StripeCustomerID != nil {
		customerID = *org.StripeCustomerID
	}
	intent, err := m.payments.CreatePaymentIntent(ctx, subscriptions.PaymentIntentRequest{
		PurchaseID: purchase.ID,
		OrgID:      orgID,
		CustomerID: customerID,
		Credits:    credits,
		Amount:     purchase.Amount,
		Currency:   purchase.Currency,
	})
	if err != nil {
		reason := err.Error()
		if _, settleErr := m.repo.SettlePurchase(ctx, purchase.ID, enums.PurchaseStatusFailed, &reason, m.now()); settleErr != nil {
			m.logg.Error(m.logg.WithOrgID(ctx, orgID.String()), "failed to mark purchase failed", settleErr)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment intent")
	}
	if err := m.repo.SetPurchasePaymentIntent(ctx, purchase.ID, intent.ID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attach payment intent")
	}
	purchase.StripePaymentIntentID = &intent.ID

	logCtx := m.logg.WithOrgID(ctx, orgID.String())
	logCtx = m.logg.WithFields(logCtx, map[string]any{"purchase_id": purchase.ID.String(), "credits": credits})
	m.logg.Info(logCtx, "top-up purchase started")

	return &TopUpPurchase{
		Purchase:        purchase,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
	}, nil
}

// ResetForPeriod starts a new one-month period at start for the tier's plan,
// inside tx.
func (m *Manager) ResetForPeriod(ctx context.Context, tx *gorm.DB, orgID uuid.UUID, tier enums.PlanTier, start time.Time) error {
	return billing.ResetAllotments(ctx, m.repo.WithTx(tx), orgID, tier, start)
}

func validateTier(orgID uuid.UUID, tier enums.CreditTier) error {
	if orgID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "orgId is required")
	}
	if !tier.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "unknown credit tier %q", tier)
	}
	return nil
}

// remainingFor counts credits spendable on tier: unused included actions
// valued at the tier cost plus unused top-up credits.
func remainingFor(balance models.CreditBalance, tier enums.CreditTier) int64 {
	included := balance.Included(tier) - balance.Used(tier)
	if included < 0 {
		included = 0
	}
	return included*tier.Cost() + balance.TopupRemaining()
}

// crossedThreshold reports whether this deduction took top-up credits from
// above the auto-top-up threshold to at or below it.
func crossedThreshold(before, after models.CreditBalance) bool {
	if !after.AutoTopupEnabled || after.AutoTopupAmount <= 0 {
		return false
	}
	return before.TopupRemaining() > after.AutoTopupThreshold && after.TopupRemaining() <= after.AutoTopupThreshold
}

func metricFeature(tier enums.CreditTier) string {
	return "credits_" + string(tier)
}

func decisionOutcome(allowed bool) string {
	if allowed {
		return metrics.OutcomeAllowed
	}
	return metrics.OutcomeDenied
}
