package billingevents

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/repo"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
)

// Repository persists the billing audit queue.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, event *models.BillingEvent) error
	Find(ctx context.Context, id uuid.UUID) (*models.BillingEvent, error)
	SetAuditStatus(ctx context.Context, id uuid.UUID, status enums.AuditStatus, notes *string, at time.Time) (bool, error)
	ListPending(ctx context.Context, orgID uuid.UUID, limit int) ([]models.BillingEvent, error)
}

type repository struct {
	repo.Base
}

// NewRepository returns a Repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: r.Rebind(tx)}
}

func (r *repository) Create(ctx context.Context, event *models.BillingEvent) error {
	return r.DB(ctx).Create(event).Error
}

func (r *repository) Find(ctx context.Context, id uuid.UUID) (*models.BillingEvent, error) {
	return repo.FindOne[models.BillingEvent](r.DB(ctx).Where("id = ?", id))
}

// SetAuditStatus only moves rows that are still pending.
func (r *repository) SetAuditStatus(ctx context.Context, id uuid.UUID, status enums.AuditStatus, notes *string, at time.Time) (bool, error) {
	res := r.DB(ctx).Model(&models.BillingEvent{}).
		Where("id = ? AND audit_status = ?", id, enums.AuditStatusPending).
		Updates(map[string]any{
			"audit_status": status,
			"audit_notes":  notes,
			"audited_at":   at.UTC(),
		})
	return repo.Guarded(res)
}

func (r *repository) ListPending(ctx context.Context, orgID uuid.UUID, limit int) ([]models.BillingEvent, error) {
	var events []models.BillingEvent
	err := r.DB(ctx).
		Where("org_id = ? AND audit_status = ?", orgID, enums.AuditStatusPending).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
