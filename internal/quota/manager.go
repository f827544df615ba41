package quota

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/internal/billingevents"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
)

// Denial reasons.
const (
	ReasonNotConfigured = "no quota configured for feature"
	ReasonExhausted     = "quota exhausted"
)

// QuotaCheck is the result of a read-only quota check.
type QuotaCheck struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// IncrementInput describes one metered use of a feature.
type IncrementInput struct {
	OrgID    uuid.UUID
	UserID   string
	Feature  enums.FeatureType
	Quantity int64
	Metadata map[string]string
}

// IncrementResult reports the outcome of IncrementUsage. Success is false
// when the quota would be exceeded; no rows are written in that case.
type IncrementResult struct {
	Success      bool      `json:"success"`
	NewUsage     int64     `json:"newUsage"`
	UsageEventID uuid.UUID `json:"usageEventId,omitempty"`
	Error        string    `json:"error,omitempty"`
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ManagerParams groups dependencies for the quota manager.
type ManagerParams struct {
	DB      txRunner
	Repo    billing.Repository
	Events  billingevents.Recorder
	Metrics *metrics.BillingMetrics
	Logger  *logger.Logger
}

// Manager enforces per-feature quotas.
type Manager struct {
	db      txRunner
	repo    billing.Repository
	events  billingevents.Recorder
	metrics *metrics.BillingMetrics
	logg    *logger.Logger
}

// NewManager builds a quota manager.
func NewManager(params ManagerParams) (*Manager, error) {
	if params.DB == nil {
		return nil, errors.New("db is required")
	}
	if params.Repo == nil {
		return nil, errors.New("billing repository is required")
	}
	if params.Events == nil {
		return nil, errors.New("billing events recorder is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Manager{
		db:      params.DB,
		repo:    params.Repo,
		events:  params.Events,
		metrics: params.Metrics,
		logg:    logg,
	}, nil
}

// CheckQuota reports whether one more use of feature is allowed. A missing
// quota row is a denial, not an error.
func (m *Manager) CheckQuota(ctx context.Context, orgID uuid.UUID, feature enums.FeatureType) (*QuotaCheck, error) {
	if orgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orgId is required")
	}
	if !feature.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "unknown feature %q", feature)
	}
	row, err := m.repo.FindFeatureQuota(ctx, orgID, feature)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load feature quota")
	}
	check := evaluate(row)
	m.metrics.QuotaDecision(string(feature), decisionOutcome(check.Allowed))
	return check, nil
}

// IncrementUsage atomically adds Quantity to the feature's usage when the
// result stays within the limit, recording a usage event and a pending
// billing event in the same transaction.
func (m *Manager) IncrementUsage(ctx context.Context, input IncrementInput) (*IncrementResult, error) {
	if err := validateIncrement(input); err != nil {
		return nil, err
	}

	result := &IncrementResult{}
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		*result = IncrementResult{}
		repo := m.repo.WithTx(tx)
		ok, err := repo.IncrementFeatureUsage(ctx, input.OrgID, input.Feature, input.Quantity)
		if err != nil {
			return err
		}
		row, err := repo.FindFeatureQuota(ctx, input.OrgID, input.Feature)
		if err != nil {
			return err
		}
		if !ok {
			result.Error = ReasonNotConfigured
			if row != nil {
				result.Error = ReasonExhausted
				result.NewUsage = row.Used
			}
			return nil
		}

		usage := &models.UsageEvent{
			OrgID:       input.OrgID,
			UserID:      strings.TrimSpace(input.UserID),
			FeatureType: input.Feature,
			Quantity:    input.Quantity,
			Metadata:    input.Metadata,
		}
		if err := repo.CreateUsageEvent(ctx, usage); err != nil {
			return err
		}
		if _, err := m.events.Record(ctx, tx, billingevents.Input{
			OrgID:      input.OrgID,
			UserID:     input.UserID,
			ActionType: string(input.Feature),
			ActionKey:  input.Metadata["actionKey"],
			Source:     enums.DetectionSourceAPI,
			Confidence: decimal.NewFromInt(1),
			Metadata:   map[string]string{"usage_event_id": usage.ID.String()},
		}); err != nil {
			return err
		}

		result.Success = true
		result.UsageEventID = usage.ID
		if row != nil {
			result.NewUsage = row.Used
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "increment usage")
	}

	m.metrics.QuotaDecision(string(input.Feature), decisionOutcome(result.Success))
	if !result.Success {
		logCtx := m.logg.WithOrgID(ctx, input.OrgID.String())
		logCtx = m.logg.WithFields(logCtx, map[string]any{
			"feature":  input.Feature,
			"quantity": input.Quantity,
			"reason":   result.Error,
		})
		m.logg.Info(logCtx, "quota increment denied")
	}
	return result, nil
}

func validateIncrement(input IncrementInput) error {
	if input.OrgID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "orgId is required")
	}
	if strings.TrimSpace(input.UserID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "userId is required")
	}
	if !input.Feature.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "unknown feature %q", input.Feature)
	}
	if input.Quantity <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	return nil
}

func evaluate(row *models.FeatureQuota) *QuotaCheck {
	if row == nil {
		return &QuotaCheck{Allowed: false, Reason: ReasonNotConfigured}
	}
	check := &QuotaCheck{
		Allowed: row.Used < row.QuotaLimit,
		Limit:   row.QuotaLimit,
		Used:    row.Used,
	}
	if remaining := row.QuotaLimit - row.Used; remaining > 0 {
		check.Remaining = remaining
	}
	if !check.Allowed {
		check.Reason = ReasonExhausted
	}
	return check
}

func decisionOutcome(allowed bool) string {
	if allowed {
		return metrics.OutcomeAllowed
	}
	return metrics.OutcomeDenied
}
