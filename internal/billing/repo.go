package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/repo"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
)

// Repository handles billing persistence. Finders return (nil, nil) when the
// row does not exist.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateOrganization(ctx context.Context, org *models.Organization) error
	FindOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	FindOrganizationByCustomerID(ctx context.Context, customerID string) (*models.Organization, error)
	UpdateOrganization(ctx context.Context, id uuid.UUID, fields map[string]any) error

	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	FindSubscriptionByOrg(ctx context.Context, orgID uuid.UUID) (*models.Subscription, error)
	FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	FindSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error)
	ListSubscriptionsForReconciliation(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Subscription, error)

	CreateCreditBalance(ctx context.Context, balance *models.CreditBalance) error
	FindCreditBalance(ctx context.Context, orgID uuid.UUID) (*models.CreditBalance, error)
	ConsumeIncluded(ctx context.Context, orgID uuid.UUID, tier enums.CreditTier) (bool, error)
	ConsumeTopup(ctx context.Context, orgID uuid.UUID, credits int64) (bool, error)
	AddTopupCredits(ctx context.Context, orgID uuid.UUID, credits int64) error
	UpdateAutoTopUp(ctx context.Context, orgID uuid.UUID, enabled bool, threshold, amount int64) error
	ResetCreditBalance(ctx context.Context, orgID uuid.UUID, included map[enums.CreditTier]int64, start, end time.Time) error
	ListExpiredFreeBalances(ctx context.Context, now time.Time, limit int) ([]models.CreditBalance, error)

	FindFeatureQuota(ctx context.Context, orgID uuid.UUID, feature enums.FeatureType) (*models.FeatureQuota, error)
	ListFeatureQuotas(ctx context.Context, orgID uuid.UUID) ([]models.FeatureQuota, error)
	IncrementFeatureUsage(ctx context.Context, orgID uuid.UUID, feature enums.FeatureType, quantity int64) (bool, error)
	ResetFeatureQuota(ctx context.Context, orgID uuid.UUID, feature enums.FeatureType, limit int64, start, end time.Time) error
	CreateUsageEvent(ctx context.Context, event *models.UsageEvent) error

	CreatePurchase(ctx context.Context, purchase *models.CreditPurchase) error
	FindPurchase(ctx context.Context, id uuid.UUID) (*models.CreditPurchase, error)
	SetPurchasePaymentIntent(ctx context.Context, id uuid.UUID, paymentIntentID string) error
	SettlePurchase(ctx context.Context, id uuid.UUID, status enums.PurchaseStatus, failureReason *string, at time.Time) (bool, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a billing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateOrganization(ctx context.Context, org *models.Organization) error {
	return r.db.WithContext(ctx).Create(org).Error
}

func (r *repository) FindOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	return repo.FindOne[models.Organization](r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *repository) FindOrganizationByCustomerID(ctx context.Context, customerID string) (*models.Organization, error) {
	return repo.FindOne[models.Organization](r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID))
}

func (r *repository) UpdateOrganization(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Organization{}).Where("id = ?", id).Updates(fields).Error
}

func (r *repository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *repository) FindSubscriptionByOrg(ctx context.Context, orgID uuid.UUID) (*models.Subscription, error) {
	return repo.FindOne[models.Subscription](r.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC"))
}

func (r *repository) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	return repo.FindOne[models.Subscription](r.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubscriptionID))
}

func (r *repository) FindSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	return repo.FindOne[models.Subscription](r.db.WithContext(ctx).
		Where("stripe_customer_id = ?", customerID).
		Order("created_at DESC"))
}

// ListSubscriptionsForReconciliation pages through every subscription that
// references the provider, ordered by id so callers can resume after afterID.
func (r *repository) ListSubscriptionsForReconciliation(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	query := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("(stripe_subscription_id IS NOT NULL AND stripe_subscription_id <> '') OR (stripe_customer_id IS NOT NULL AND stripe_customer_id <> '')")
	if afterID != uuid.Nil {
		query = query.Where("id > ?", afterID)
	}
	var subs []models.Subscription
	if err := query.Order("id ASC").Limit(limit).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
