package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/enums"
)

// UsageEvent is appended for every successful quota increment.
type UsageEvent struct {
	ID          uuid.UUID         `gorm:"column:id;type:varchar(36);primaryKey"`
	OrgID       uuid.UUID         `gorm:"column:org_id;type:varchar(36);not null;index"`
	UserID      string            `gorm:"column:user_id;type:varchar(255);not null"`
	FeatureType enums.FeatureType `gorm:"column:feature_type;type:varchar(32);not null"`
	Quantity    int64             `gorm:"column:quantity;not null"`
	Metadata    Metadata          `gorm:"column:metadata;type:text;serializer:json"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
}

func (u *UsageEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}
