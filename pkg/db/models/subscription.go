package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/enums"
)

// Subscription caches the Stripe subscription state for an organization.
// Ended subscriptions keep their row with status canceled.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"column:id;type:varchar(36);primaryKey"`
	OrgID                uuid.UUID                `gorm:"column:org_id;type:varchar(36);not null;index"`
	StripeSubscriptionID *string                  `gorm:"column:stripe_subscription_id;type:varchar(255);uniqueIndex"`
	StripeCustomerID     *string                  `gorm:"column:stripe_customer_id;type:varchar(255);index"`
	StripePriceID        *string                  `gorm:"column:stripe_price_id;type:varchar(255)"`
	PlanTier             enums.PlanTier           `gorm:"column:plan_tier;type:varchar(32);not null;default:'free'"`
	Status               enums.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;default:'incomplete'"`
	CurrentPeriodStart   *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd     *time.Time               `gorm:"column:current_period_end"`
	TrialEnd             *time.Time               `gorm:"column:trial_end"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at"`
	EndedAt              *time.Time               `gorm:"column:ended_at"`
	ProviderUpdatedAt    *time.Time               `gorm:"column:provider_updated_at"`
	Metadata             Metadata                 `gorm:"column:metadata;type:text;serializer:json"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
