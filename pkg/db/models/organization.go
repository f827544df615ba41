package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/enums"
)

// Organization is the billing tenant. Rows are never hard-deleted.
type Organization struct {
	ID                 uuid.UUID                `gorm:"column:id;type:varchar(36);primaryKey"`
	Name               string                   `gorm:"column:name;not null"`
	SubscriptionTier   enums.PlanTier           `gorm:"column:subscription_tier;type:varchar(32);not null;default:'free'"`
	SubscriptionStatus enums.SubscriptionStatus `gorm:"column:subscription_status;type:varchar(32);not null;default:'incomplete'"`
	StripeCustomerID   *string                  `gorm:"column:stripe_customer_id;type:varchar(255);uniqueIndex"`
	TrialEndsAt        *time.Time               `gorm:"column:trial_ends_at"`
	CreatedAt          time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Organization) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}
