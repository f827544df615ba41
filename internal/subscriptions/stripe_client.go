package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"

	pkgstripe "github.com/pixell/agent-billing/pkg/stripe"
)

// StripeProvider reads subscriptions and starts top-up charges through the
// Stripe API.
type StripeProvider struct {
	api *stripe.Client
}

var (
	_ Provider             = (*StripeProvider)(nil)
	_ PaymentIntentCreator = (*StripeProvider)(nil)
)

// NewStripeProvider wraps the configured Stripe client.
func NewStripeProvider(client *pkgstripe.Client) (*StripeProvider, error) {
	if client == nil || client.API() == nil {
		return nil, errors.New("stripe client is required")
	}
	return &StripeProvider{api: client.API()}, nil
}

// GetSubscription fetches a subscription by id. A deleted or unknown
// subscription yields ErrProviderSubscriptionMissing.
func (p *StripeProvider) GetSubscription(ctx context.Context, id string) (*ProviderSubscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("subscription id is required")
	}
	sub, err := p.api.V1Subscriptions.Retrieve(ctx, id, &stripe.SubscriptionRetrieveParams{})
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrProviderSubscriptionMissing
		}
		return nil, fmt.Errorf("retrieve subscription %s: %w", id, err)
	}
	return FromStripe(sub), nil
}

// LatestCustomerSubscription returns the newest subscription of the customer
// in any status, or nil when the customer has none.
func (p *StripeProvider) LatestCustomerSubscription(ctx context.Context, customerID string) (*ProviderSubscription, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("customer id is required")
	}
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	var latest *stripe.Subscription
	for sub, err := range p.api.V1Subscriptions.List(ctx, params) {
		if err != nil {
			if isResourceMissing(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
		}
		if latest == nil || sub.Created > latest.Created {
			latest = sub
		}
	}
	if latest == nil {
		return nil, nil
	}
	return FromStripe(latest), nil
}

// CreatePaymentIntent starts a one-time charge for a credit purchase. The
// purchase id travels in metadata so the webhook can settle it.
func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	amount, err := MinorUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			MetadataPurchaseID: req.PurchaseID.String(),
			MetadataOrgID:      req.OrgID.String(),
			"credits":          fmt.Sprintf("%d", req.Credits),
		},
	}
	if customer := strings.TrimSpace(req.CustomerID); customer != "" {
		params.Customer = stripe.String(customer)
	}
	intent, err := p.api.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &PaymentIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// MinorUnits converts a currency amount to cents, rejecting fractional cents
// and non-positive amounts.
func MinorUnits(amount decimal.Decimal) (int64, error) {
	cents := amount.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-cent precision", amount.String())
	}
	if !cents.IsPositive() {
		return 0, fmt.Errorf("amount %s must be positive", amount.String())
	}
	return cents.IntPart(), nil
}

// FromStripe normalizes an SDK subscription.
func FromStripe(sub *stripe.Subscription) *ProviderSubscription {
	if sub == nil {
		return nil
	}
	out := &ProviderSubscription{
		ID:                sub.ID,
		Status:            MapStatus(string(sub.Status)),
		TrialEnd:          unixPtr(sub.TrialEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(sub.CanceledAt),
		EndedAt:           unixPtr(sub.EndedAt),
		Created:           unixTime(sub.Created),
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	return out
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}
