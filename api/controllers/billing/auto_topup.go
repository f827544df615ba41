package billing

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pixell/agent-billing/api/middleware"
	"github.com/pixell/agent-billing/api/responses"
	"github.com/pixell/agent-billing/api/validators"
	"github.com/pixell/agent-billing/internal/credits"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
)

type autoTopUpRequest struct {
	Enabled   *bool  `json:"enabled" validate:"required"`
	Threshold *int64 `json:"threshold" validate:"required,gte=0"`
	Amount    *int64 `json:"amount" validate:"required,gte=0"`
}

// AutoTopUpGet returns the caller organization's auto-top-up settings.
func AutoTopUpGet(svc CreditService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credit service unavailable"))
			return
		}
		orgID, err := orgFromToken(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		settings, err := svc.GetAutoTopUp(ctx, orgID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, settings)
	}
}

// AutoTopUpUpdate replaces the caller organization's auto-top-up settings.
func AutoTopUpUpdate(svc CreditService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credit service unavailable"))
			return
		}
		orgID, err := orgFromToken(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload autoTopUpRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		settings, err := svc.UpdateAutoTopUp(ctx, orgID, credits.AutoTopUpSettings{
			Enabled:   *payload.Enabled,
			Threshold: *payload.Threshold,
			Amount:    *payload.Amount,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, settings)
	}
}

func orgFromToken(r *http.Request) (uuid.UUID, error) {
	raw := middleware.OrgIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeForbidden, "organization context missing")
	}
	orgID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeForbidden, err, "invalid organization context")
	}
	return orgID, nil
}
