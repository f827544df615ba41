package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the billing service.
type ServiceParams struct {
	Repo Repository
	DB   txRunner
}

// Service exposes organization provisioning and the subscription read model.
type Service struct {
	repo Repository
	db   txRunner
}

// SubscriptionView is what GET /billing/subscription returns.
type SubscriptionView struct {
	Organization  models.Organization   `json:"organization"`
	Subscription  *models.Subscription  `json:"subscription"`
	CreditBalance *models.CreditBalance `json:"creditBalance"`
	Quotas        []models.FeatureQuota `json:"quotas"`
}

// NewService builds a billing service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.DB == nil {
		return nil, errors.New("db is required")
	}
	return &Service{repo: params.Repo, db: params.DB}, nil
}

// CreateOrganization provisions a free-tier organization with a fresh
// allotment period starting now.
func (s *Service) CreateOrganization(ctx context.Context, name string) (*models.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "organization name is required")
	}
	org := &models.Organization{
		Name:               name,
		SubscriptionTier:   enums.PlanTierFree,
		SubscriptionStatus: enums.SubscriptionStatusActive,
	}
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateOrganization(ctx, org); err != nil {
			return err
		}
		return ResetAllotments(ctx, repo, org.ID, enums.PlanTierFree, time.Now().UTC())
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create organization")
	}
	return org, nil
}

// GetSubscription loads the organization's current billing state.
func (s *Service) GetSubscription(ctx context.Context, orgID uuid.UUID) (*SubscriptionView, error) {
	if orgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orgId is required")
	}
	org, err := s.repo.FindOrganization(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load organization")
	}
	if org == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "organization not found")
	}
	sub, err := s.repo.FindSubscriptionByOrg(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	balance, err := s.repo.FindCreditBalance(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load credit balance")
	}
	quotas, err := s.repo.ListFeatureQuotas(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load feature quotas")
	}
	return &SubscriptionView{
		Organization:  *org,
		Subscription:  sub,
		CreditBalance: balance,
		Quotas:        quotas,
	}, nil
}

// ResetAllotments starts a one-month period at start for orgID, rewriting the
// legacy credit allotments and every feature quota from the tier's plan.
func ResetAllotments(ctx context.Context, repo Repository, orgID uuid.UUID, tier enums.PlanTier, start time.Time) error {
	plan := PlanAllotment(tier)
	periodStart, periodEnd := PeriodBounds(start)
	if err := repo.ResetCreditBalance(ctx, orgID, plan.Credits, periodStart, periodEnd); err != nil {
		return err
	}
	for _, feature := range enums.FeatureTypes() {
		if err := repo.ResetFeatureQuota(ctx, orgID, feature, plan.Features[feature], periodStart, periodEnd); err != nil {
			return err
		}
	}
	return nil
}
