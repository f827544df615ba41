package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WebhookEvent is the idempotency ledger for provider events. A row with
// Processed=false was persisted but never finished.
type WebhookEvent struct {
	ID              uuid.UUID  `gorm:"column:id;type:varchar(36);primaryKey"`
	StripeEventID   string     `gorm:"column:stripe_event_id;type:varchar(255);not null;uniqueIndex"`
	EventType       string     `gorm:"column:event_type;type:varchar(128);not null"`
	APIVersion      string     `gorm:"column:api_version;type:varchar(64)"`
	Payload         string     `gorm:"column:payload;type:text"`
	Processed       bool       `gorm:"column:processed;not null;default:false"`
	ProcessingError *string    `gorm:"column:processing_error"`
	Attempts        int        `gorm:"column:attempts;not null;default:0"`
	ProcessedAt     *time.Time `gorm:"column:processed_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (w *WebhookEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&w.ID)
	return nil
}
