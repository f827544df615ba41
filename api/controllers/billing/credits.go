package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixell/agent-billing/api/responses"
	"github.com/pixell/agent-billing/api/validators"
	"github.com/pixell/agent-billing/internal/credits"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
)

// CreditService is the credit manager surface used by the handlers.
type CreditService interface {
	CheckCredits(ctx context.Context, orgID uuid.UUID, tier enums.CreditTier) (*credits.CreditCheck, error)
	DeductCredits(ctx context.Context, orgID uuid.UUID, userID string, tier enums.CreditTier) (*credits.DeductResult, error)
	GetAutoTopUp(ctx context.Context, orgID uuid.UUID) (*credits.AutoTopUpSettings, error)
	UpdateAutoTopUp(ctx context.Context, orgID uuid.UUID, settings credits.AutoTopUpSettings) (*credits.AutoTopUpSettings, error)
}

type creditCheckRequest struct {
	OrgID      string `json:"orgId" validate:"required,uuid"`
	ActionTier string `json:"actionTier" validate:"required,credit_tier"`
}

type creditDeductRequest struct {
	OrgID      string `json:"orgId" validate:"required,uuid"`
	UserID     string `json:"userId" validate:"required"`
	ActionTier string `json:"actionTier" validate:"required,credit_tier"`
}

type deductResponse struct {
	Success   bool   `json:"success"`
	Remaining int64  `json:"remaining"`
	Source    string `json:"source,omitempty"`
}

// CreditCheck reports whether one action of a legacy tier can be paid for.
func CreditCheck(svc CreditService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credit service unavailable"))
			return
		}

		var payload creditCheckRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		orgID, tier, err := parseOrgTier(payload.OrgID, payload.ActionTier)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		check, err := svc.CheckCredits(ctx, orgID, tier)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, check)
	}
}

// CreditDeduct charges one action of a legacy tier. Insufficient credits are
// reported as 402.
func CreditDeduct(svc CreditService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credit service unavailable"))
			return
		}

		var payload creditDeductRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		orgID, tier, err := parseOrgTier(payload.OrgID, payload.ActionTier)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.DeductCredits(ctx, orgID, payload.UserID, tier)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if !result.Success {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodePaymentRequired, result.Error).WithDetails(map[string]any{
				"success":    false,
				"remaining":  result.Remaining,
				"actionTier": tier,
			}))
			return
		}
		responses.WriteSuccess(w, deductResponse{
			Success:   true,
			Remaining: result.Remaining,
			Source:    result.Source,
		})
	}
}

// CreditPurchase is the retired top-up endpoint. Top-ups are started by
// operators and settled by payment webhooks.
func CreditPurchase(logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeGone, "credit purchases through this endpoint are no longer supported"))
	}
}

func parseOrgTier(rawOrgID, rawTier string) (uuid.UUID, enums.CreditTier, error) {
	orgID, err := validators.ParseUUID(rawOrgID, "orgId")
	if err != nil {
		return uuid.Nil, "", err
	}
	tier, err := enums.ParseCreditTier(rawTier)
	if err != nil {
		return uuid.Nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid actionTier").
			WithDetails(map[string]any{"field": "actionTier"})
	}
	return orgID, tier, nil
}
