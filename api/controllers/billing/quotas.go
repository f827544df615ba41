package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixell/agent-billing/api/responses"
	"github.com/pixell/agent-billing/api/validators"
	"github.com/pixell/agent-billing/internal/quota"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
)

// QuotaService is the quota manager surface used by the handlers.
type QuotaService interface {
	CheckQuota(ctx context.Context, orgID uuid.UUID, feature enums.FeatureType) (*quota.QuotaCheck, error)
	IncrementUsage(ctx context.Context, input quota.IncrementInput) (*quota.IncrementResult, error)
}

type quotaCheckRequest struct {
	OrgID       string `json:"orgId" validate:"required,uuid"`
	FeatureType string `json:"featureType" validate:"required,feature_type"`
}

type quotaIncrementRequest struct {
	OrgID       string            `json:"orgId" validate:"required,uuid"`
	UserID      string            `json:"userId" validate:"required"`
	FeatureType string            `json:"featureType" validate:"required,feature_type"`
	Quantity    *int64            `json:"quantity,omitempty" validate:"omitempty,gt=0"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// QuotaCheck reports whether one more use of a feature is allowed.
func QuotaCheck(svc QuotaService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "quota service unavailable"))
			return
		}

		var payload quotaCheckRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		orgID, feature, err := parseOrgFeature(payload.OrgID, payload.FeatureType)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		check, err := svc.CheckQuota(ctx, orgID, feature)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, check)
	}
}

// QuotaIncrement records one metered use. Exhaustion is reported as 402.
func QuotaIncrement(svc QuotaService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "quota service unavailable"))
			return
		}

		var payload quotaIncrementRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		orgID, feature, err := parseOrgFeature(payload.OrgID, payload.FeatureType)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		quantity := int64(1)
		if payload.Quantity != nil {
			quantity = *payload.Quantity
		}

		result, err := svc.IncrementUsage(ctx, quota.IncrementInput{
			OrgID:    orgID,
			UserID:   payload.UserID,
			Feature:  feature,
			Quantity: quantity,
			Metadata: payload.Metadata,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if !result.Success {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodePaymentRequired, result.Error).WithDetails(map[string]any{
				"success":     false,
				"newUsage":    result.NewUsage,
				"featureType": feature,
			}))
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func parseOrgFeature(rawOrgID, rawFeature string) (uuid.UUID, enums.FeatureType, error) {
	orgID, err := validators.ParseUUID(rawOrgID, "orgId")
	if err != nil {
		return uuid.Nil, "", err
	}
	feature, err := enums.ParseFeatureType(rawFeature)
	if err != nil {
		return uuid.Nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid featureType").
			WithDetails(map[string]any{"field": "featureType"})
	}
	return orgID, feature, nil
}
