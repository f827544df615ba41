package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pixell/agent-billing/api/responses"
	"github.com/pixell/agent-billing/api/validators"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
)

// AuditService exposes the billing event audit queue.
type AuditService interface {
	ListPending(ctx context.Context, orgID uuid.UUID, limit int) ([]models.BillingEvent, error)
	SetAuditStatus(ctx context.Context, id uuid.UUID, status enums.AuditStatus, notes string) (*models.BillingEvent, error)
}

type auditRequest struct {
	Status string `json:"status" validate:"required,audit_status"`
	Notes  string `json:"notes,omitempty" validate:"max=2000"`
}

type billingEventResponse struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"orgId"`
	UserID          *string           `json:"userId,omitempty"`
	ActionType      string            `json:"actionType"`
	ActionKey       *string           `json:"actionKey,omitempty"`
	DetectionSource string            `json:"detectionSource"`
	Confidence      string            `json:"confidence"`
	AuditStatus     string            `json:"auditStatus"`
	AuditNotes      *string           `json:"auditNotes,omitempty"`
	AuditedAt       *time.Time        `json:"auditedAt,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// PendingEvents lists billing events awaiting audit for an organization.
func PendingEvents(svc AuditService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "audit service unavailable"))
			return
		}
		orgID, err := validators.QueryUUID(r, "orgId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 200)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		events, err := svc.ListPending(ctx, orgID, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		out := make([]billingEventResponse, 0, len(events))
		for _, event := range events {
			out = append(out, toBillingEventResponse(event))
		}
		responses.WriteSuccess(w, out)
	}
}

// AuditEvent resolves a pending billing event.
func AuditEvent(svc AuditService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "audit service unavailable"))
			return
		}
		eventID, err := validators.ParseUUID(chi.URLParam(r, "eventId"), "eventId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload auditRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		status, err := enums.ParseAuditStatus(payload.Status)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status").
				WithDetails(map[string]any{"field": "status"}))
			return
		}

		event, err := svc.SetAuditStatus(ctx, eventID, status, payload.Notes)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toBillingEventResponse(*event))
	}
}

func toBillingEventResponse(event models.BillingEvent) billingEventResponse {
	return billingEventResponse{
		ID:              event.ID.String(),
		OrgID:           event.OrgID.String(),
		UserID:          event.UserID,
		ActionType:      event.ActionType,
		ActionKey:       event.ActionKey,
		DetectionSource: string(event.DetectionSource),
		Confidence:      event.Confidence.String(),
		AuditStatus:     string(event.AuditStatus),
		AuditNotes:      event.AuditNotes,
		AuditedAt:       event.AuditedAt,
		Metadata:        event.Metadata,
		CreatedAt:       event.CreatedAt.UTC(),
	}
}
