package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/pixell/agent-billing/pkg/enums"
)

// TrialWillEndEvent asks downstream notifiers to warn the organization that
// its trial is about to convert.
type TrialWillEndEvent struct {
	OrgID                uuid.UUID  `json:"org_id" validate:"required"`
	StripeSubscriptionID string     `json:"stripe_subscription_id" validate:"required"`
	TrialEnd             *time.Time `json:"trial_end,omitempty"`
}

// SubscriptionCanceledEvent reports a subscription that ended and the org
// downgrade that followed.
type SubscriptionCanceledEvent struct {
	OrgID                uuid.UUID      `json:"org_id" validate:"required"`
	StripeSubscriptionID string         `json:"stripe_subscription_id"`
	PreviousTier         enums.PlanTier `json:"previous_tier"`
	CanceledAt           time.Time      `json:"canceled_at" validate:"required"`
	Source               string         `json:"source" validate:"required"`
}

// SubscriptionPastDueEvent reports a failed renewal charge.
type SubscriptionPastDueEvent struct {
	OrgID                uuid.UUID `json:"org_id" validate:"required"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	InvoiceID            string    `json:"invoice_id,omitempty"`
}

// AutoTopUpRequestedEvent is raised when remaining credits fall to or below
// the organization's auto-top-up threshold.
type AutoTopUpRequestedEvent struct {
	OrgID     uuid.UUID `json:"org_id" validate:"required"`
	Remaining int64     `json:"remaining" validate:"gte=0"`
	Threshold int64     `json:"threshold" validate:"gte=0"`
	Amount    int64     `json:"amount" validate:"gt=0"`
}

// CreditPurchaseSucceededEvent confirms a settled top-up.
type CreditPurchaseSucceededEvent struct {
	OrgID      uuid.UUID `json:"org_id" validate:"required"`
	PurchaseID uuid.UUID `json:"purchase_id" validate:"required"`
	Credits    int64     `json:"credits" validate:"gt=0"`
	Amount     string    `json:"amount" validate:"required,numeric"`
	Currency   string    `json:"currency" validate:"required,len=3"`
}
