package stripewebhook

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/repo"
	"github.com/pixell/agent-billing/pkg/db/models"
)

// Ledger persists received provider events by event id.
type Ledger interface {
	FindByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	Create(ctx context.Context, event *models.WebhookEvent) error
	MarkProcessed(ctx context.Context, event *models.WebhookEvent, processingErr error, at time.Time) error
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type ledger struct {
	repo.Base
}

// NewLedger returns a Ledger over the webhook_events table.
func NewLedger(db *gorm.DB) Ledger {
	return &ledger{Base: repo.NewBase(db)}
}

func (l *ledger) FindByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	return repo.FindOne[models.WebhookEvent](l.DB(ctx).Where("stripe_event_id = ?", eventID))
}

func (l *ledger) Create(ctx context.Context, event *models.WebhookEvent) error {
	return l.DB(ctx).Create(event).Error
}

// MarkProcessed flips the row to processed, recording processingErr's text
// when the handler failed.
func (l *ledger) MarkProcessed(ctx context.Context, event *models.WebhookEvent, processingErr error, at time.Time) error {
	at = at.UTC()
	var message *string
	if processingErr != nil {
		text := processingErr.Error()
		message = &text
	}
	event.Processed = true
	event.ProcessingError = message
	event.Attempts++
	event.ProcessedAt = &at
	return l.DB(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{
			"processed":        true,
			"processing_error": message,
			"attempts":         event.Attempts,
			"processed_at":     at,
			"updated_at":       at,
		}).Error
}

// DeleteProcessedBefore prunes rows that were handled cleanly before cutoff.
// Failed rows stay so a redelivery can still re-run them.
func (l *ledger) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.DB(ctx).
		Where("processed = ? AND processing_error IS NULL AND processed_at < ?", true, cutoff.UTC()).
		Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}
