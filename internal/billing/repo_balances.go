package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/repo"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
)

func (r *repository) CreateCreditBalance(ctx context.Context, balance *models.CreditBalance) error {
	return r.db.WithContext(ctx).Create(balance).Error
}

func (r *repository) FindCreditBalance(ctx context.Context, orgID uuid.UUID) (*models.CreditBalance, error) {
	return repo.FindOne[models.CreditBalance](r.db.WithContext(ctx).Where("org_id = ?", orgID))
}

// ConsumeIncluded uses one action of the tier's included allotment. It reports
// false when the allotment is exhausted or the balance row is missing.
func (r *repository) ConsumeIncluded(ctx context.Context, orgID uuid.UUID, tier enums.CreditTier) (bool, error) {
	if !tier.IsValid() {
		return false, errors.New("invalid credit tier")
	}
	used := models.UsedColumn(tier)
	res := r.db.WithContext(ctx).Model(&models.CreditBalance{}).
		Where("org_id = ? AND "+used+" + 1 <= "+models.IncludedColumn(tier), orgID).
		Updates(map[string]any{
			used:         gorm.Expr(used + " + 1"),
			"updated_at": time.Now().UTC(),
		})
	return repo.Guarded(res)
}

// ConsumeTopup draws credits from purchased top-up credits.
func (r *repository) ConsumeTopup(ctx context.Context, orgID uuid.UUID, credits int64) (bool, error) {
	if credits <= 0 {
		return false, errors.New("credits must be positive")
	}
	res := r.db.WithContext(ctx).Model(&models.CreditBalance{}).
		Where("org_id = ? AND topup_credits_used + ? <= topup_credits", orgID, credits).
		Updates(map[string]any{
			"topup_credits_used": gorm.Expr("topup_credits_used + ?", credits),
			"updated_at":         time.Now().UTC(),
		})
	return repo.Guarded(res)
}

func (r *repository) AddTopupCredits(ctx context.Context, orgID uuid.UUID, credits int64) error {
	res := r.db.WithContext(ctx).Model(&models.CreditBalance{}).
		Where("org_id = ?", orgID).
		Updates(map[string]any{
			"topup_credits": gorm.Expr("topup_credits + ?", credits),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repository) UpdateAutoTopUp(ctx context.Context, orgID uuid.UUID, enabled bool, threshold, amount int64) error {
	res := r.db.WithContext(ctx).Model(&models.CreditBalance{}).
		Where("org_id = ?", orgID).
		Updates(map[string]any{
			"auto_topup_enabled":   enabled,
			"auto_topup_threshold": threshold,
			"auto_topup_amount":    amount,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ResetCreditBalance zeroes usage counters and rewrites included allotments for
// a new period, creating the row when the organization has none yet. Top-up
// credits carry over.
func (r *repository) ResetCreditBalance(ctx context.Context, orgID uuid.UUID, included map[enums.CreditTier]int64, start, end time.Time) error {
	fields := map[string]any{
		"billing_period_start": start,
		"billing_period_end":   end,
		"updated_at":           time.Now().UTC(),
	}
	for _, tier := range enums.CreditTiers() {
		fields[models.IncludedColumn(tier)] = included[tier]
		fields[models.UsedColumn(tier)] = 0
	}
	res := r.db.WithContext(ctx).Model(&models.CreditBalance{}).Where("org_id = ?", orgID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&models.CreditBalance{
		OrgID:              orgID,
		IncludedSmall:      included[enums.CreditTierSmall],
		IncludedMedium:     included[enums.CreditTierMedium],
		IncludedLarge:      included[enums.CreditTierLarge],
		IncludedXL:         included[enums.CreditTierXL],
		BillingPeriodStart: start,
		BillingPeriodEnd:   end,
	}).Error
}

// ListExpiredFreeBalances returns balances of free-tier organizations whose
// period has ended. Paid plans roll over on provider renewal events instead.
func (r *repository) ListExpiredFreeBalances(ctx context.Context, now time.Time, limit int) ([]models.CreditBalance, error) {
	if limit <= 0 {
		limit = 250
	}
	var balances []models.CreditBalance
	err := r.db.WithContext(ctx).
		Model(&models.CreditBalance{}).
		Joins("JOIN organizations ON organizations.id = credit_balances.org_id").
		Where("credit_balances.billing_period_end <= ?", now.UTC()).
		Where("organizations.subscription_tier = ?", enums.PlanTierFree).
		Order("credit_balances.billing_period_end ASC").
		Limit(limit).
		Find(&balances).Error
	return balances, err
}

func (r *repository) FindFeatureQuota(ctx context.Context, orgID uuid.UUID, feature enums.FeatureType) (*models.FeatureQuota, error) {
	return repo.FindOne[models.FeatureQuota](r.db.WithContext(ctx).
		Where("org_id = ? AND feature_type = ?", orgID, feature))
}

func (r *repository) ListFeatureQuotas(ctx context.Context, orgID uuid.UUID) ([]models.FeatureQuota, error) {
	var quotas []models.FeatureQuota
	if err := r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("feature_type ASC").
		Find(&quotas).Error; err != nil {
		return nil, err
	}
	return quotas, nil
}

// IncrementFeatureUsage adds quantity to used only while the result stays
// within quota_limit. A false result with no error means the quota is
// exhausted or the row does not exist.
func (r *repository) IncrementFeatureUsage(ctx context.Context, orgID uuid.UUID, feature enums.FeatureType, quantity int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.FeatureQuota{}).
		Where("org_id = ? AND feature_type = ? AND used + ? <= quota_limit", orgID, feature, quantity).
		Updates(map[string]any{
			"used":       gorm.Expr("used + ?", quantity),
			"updated_at": time.Now().UTC(),
		})
	return repo.Guarded(res)
}

func (r *repository) ResetFeatureQuota(ctx context.Context, orgID uuid.UUID, feature enums.FeatureType, limit int64, start, end time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.FeatureQuota{}).
		Where("org_id = ? AND feature_type = ?", orgID, feature).
		Updates(map[string]any{
			"quota_limit":  limit,
			"used":         0,
			"period_start": start,
			"period_end":   end,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&models.FeatureQuota{
		OrgID:       orgID,
		FeatureType: feature,
		QuotaLimit:  limit,
		PeriodStart: start,
		PeriodEnd:   end,
	}).Error
}

func (r *repository) CreateUsageEvent(ctx context.Context, event *models.UsageEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) CreatePurchase(ctx context.Context, purchase *models.CreditPurchase) error {
	return r.db.WithContext(ctx).Create(purchase).Error
}

func (r *repository) FindPurchase(ctx context.Context, id uuid.UUID) (*models.CreditPurchase, error) {
	return repo.FindOne[models.CreditPurchase](r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) SetPurchasePaymentIntent(ctx context.Context, id uuid.UUID, paymentIntentID string) error {
	return r.db.WithContext(ctx).Model(&models.CreditPurchase{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"stripe_payment_intent_id": paymentIntentID,
			"updated_at":               time.Now().UTC(),
		}).Error
}

// SettlePurchase moves a pending purchase to a final status. It reports false
// when the purchase was already settled.
func (r *repository) SettlePurchase(ctx context.Context, id uuid.UUID, status enums.PurchaseStatus, failureReason *string, at time.Time) (bool, error) {
	if !status.IsFinal() {
		return false, errors.New("purchase can only settle to a final status")
	}
	res := r.db.WithContext(ctx).Model(&models.CreditPurchase{}).
		Where("id = ? AND status = ?", id, enums.PurchaseStatusPending).
		Updates(map[string]any{
			"status":         status,
			"failure_reason": failureReason,
			"completed_at":   at.UTC(),
			"updated_at":     time.Now().UTC(),
		})
	return repo.Guarded(res)
}
