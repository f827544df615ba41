package billingevents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Input describes one claimed billable action.
type Input struct {
	OrgID      uuid.UUID
	UserID     string
	ActionType string
	ActionKey  string
	Source     enums.DetectionSource
	Confidence decimal.Decimal
	Metadata   map[string]string
}

// Recorder appends billing events, optionally inside the caller's transaction.
type Recorder interface {
	Record(ctx context.Context, tx *gorm.DB, input Input) (*models.BillingEvent, error)
}

// Service manages the billing audit queue.
type Service struct {
	repo Repository
	logg *logger.Logger
	now  func() time.Time
}

// NewService builds a billing events service.
func NewService(repo Repository, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("billing events repository is required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{repo: repo, logg: logg, now: time.Now}, nil
}

// Record appends a pending audit entry. tx may be nil.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, input Input) (*models.BillingEvent, error) {
	if input.OrgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orgId is required")
	}
	actionType := strings.TrimSpace(input.ActionType)
	if actionType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actionType is required")
	}
	if !input.Source.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid detection source")
	}
	if input.Confidence.IsNegative() || input.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "confidence must be between 0 and 1")
	}

	event := &models.BillingEvent{
		OrgID:           input.OrgID,
		UserID:          optional(input.UserID),
		ActionType:      actionType,
		ActionKey:       optional(input.ActionKey),
		DetectionSource: input.Source,
		Confidence:      input.Confidence,
		AuditStatus:     enums.AuditStatusPending,
		Metadata:        input.Metadata,
	}
	if err := s.repo.WithTx(tx).Create(ctx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record billing event")
	}
	return event, nil
}

// SetAuditStatus resolves a pending event. Resolved events are immutable.
func (s *Service) SetAuditStatus(ctx context.Context, id uuid.UUID, status enums.AuditStatus, notes string) (*models.BillingEvent, error) {
	if !status.IsValid() || status == enums.AuditStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "status must be approved, flagged, refunded or skipped")
	}
	existing, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing event")
	}
	if existing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "billing event not found")
	}
	updated, err := s.repo.SetAuditStatus(ctx, id, status, optional(notes), s.now())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update audit status")
	}
	if !updated {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "billing event already %s", existing.AuditStatus)
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"billing_event_id": id.String(),
		"audit_status":     status,
	})
	s.logg.Info(s.logg.WithOrgID(ctx, existing.OrgID.String()), "billing event audited")
	return s.repo.Find(ctx, id)
}

// ListPending returns the oldest pending events for an organization.
func (s *Service) ListPending(ctx context.Context, orgID uuid.UUID, limit int) ([]models.BillingEvent, error) {
	if orgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orgId is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	events, err := s.repo.ListPending(ctx, orgID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending billing events")
	}
	return events, nil
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
