package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/enums"
)

// CreditPurchase records a one-time top-up tied to a Stripe PaymentIntent.
type CreditPurchase struct {
	ID                    uuid.UUID            `gorm:"column:id;type:varchar(36);primaryKey"`
	OrgID                 uuid.UUID            `gorm:"column:org_id;type:varchar(36);not null;index"`
	Credits               int64                `gorm:"column:credits;not null"`
	Amount                decimal.Decimal      `gorm:"column:amount;type:decimal(12,2);not null"`
	Currency              string               `gorm:"column:currency;type:varchar(3);not null"`
	Status                enums.PurchaseStatus `gorm:"column:status;type:varchar(16);not null;default:'pending'"`
	StripePaymentIntentID *string              `gorm:"column:stripe_payment_intent_id;type:varchar(255);uniqueIndex"`
	FailureReason         *string              `gorm:"column:failure_reason"`
	CompletedAt           *time.Time           `gorm:"column:completed_at"`
	CreatedAt             time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *CreditPurchase) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
