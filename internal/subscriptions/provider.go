package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pixell/agent-billing/pkg/enums"
)

// ErrProviderSubscriptionMissing is returned when Stripe reports that the
// subscription no longer exists (resource_missing).
var ErrProviderSubscriptionMissing = errors.New("provider subscription missing")

// ProviderSubscription is the normalized view of a Stripe subscription,
// whether it came from a webhook payload or an API read.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             enums.SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	EndedAt            *time.Time
	Created            time.Time
	Metadata           map[string]string
}

// Provider reads subscription state from the billing provider.
type Provider interface {
	GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error)
	// LatestCustomerSubscription returns the most recently created
	// subscription of the customer, or nil when there is none.
	LatestCustomerSubscription(ctx context.Context, customerID string) (*ProviderSubscription, error)
}

// PaymentIntentRequest asks the provider to charge for a credit top-up.
type PaymentIntentRequest struct {
	PurchaseID uuid.UUID
	OrgID      uuid.UUID
	CustomerID string
	Credits    int64
	Amount     decimal.Decimal
	Currency   string
}

// PaymentIntent is the provider handle of a pending charge.
type PaymentIntent struct {
	ID           string
	ClientSecret string
}

// PaymentIntentCreator starts one-time charges.
type PaymentIntentCreator interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
}
