package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/enums"
)

// BillingEvent is an append-only claim that a billable action happened,
// reviewed later by the audit step.
type BillingEvent struct {
	ID              uuid.UUID             `gorm:"column:id;type:varchar(36);primaryKey"`
	OrgID           uuid.UUID             `gorm:"column:org_id;type:varchar(36);not null;index"`
	UserID          *string               `gorm:"column:user_id;type:varchar(255)"`
	ActionType      string                `gorm:"column:action_type;type:varchar(64);not null"`
	ActionKey       *string               `gorm:"column:action_key;type:varchar(255)"`
	DetectionSource enums.DetectionSource `gorm:"column:detection_source;type:varchar(32);not null"`
	Confidence      decimal.Decimal       `gorm:"column:confidence;type:decimal(5,4);not null"`
	AuditStatus     enums.AuditStatus     `gorm:"column:audit_status;type:varchar(16);not null;default:'pending';index"`
	AuditNotes      *string               `gorm:"column:audit_notes"`
	AuditedAt       *time.Time            `gorm:"column:audited_at"`
	Metadata        Metadata              `gorm:"column:metadata;type:text;serializer:json"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (b *BillingEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&b.ID)
	return nil
}
