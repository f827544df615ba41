package subscriptions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// expandableID decodes a Stripe reference that is either a bare id or an
// expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*e = ""
		return nil
	}
	if trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// subscriptionPayload accepts both the pre-2025 shape (period bounds on the
// subscription) and the current one (period bounds on each item).
type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialEnd           int64             `json:"trial_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	EndedAt            int64             `json:"ended_at"`
	Created            int64             `json:"created"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
	Plan *struct {
		ID string `json:"id"`
	} `json:"plan"`
}

type subscriptionItemPayload struct {
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// ParseSubscription decodes a subscription object from a webhook payload.
func ParseSubscription(raw []byte) (*ProviderSubscription, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("subscription payload has no id")
	}

	start, end := p.CurrentPeriodStart, p.CurrentPeriodEnd
	priceID := ""
	if len(p.Items.Data) > 0 {
		item := p.Items.Data[0]
		if item.Price != nil {
			priceID = item.Price.ID
		}
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	if priceID == "" && p.Plan != nil {
		priceID = p.Plan.ID
	}

	return &ProviderSubscription{
		ID:                 p.ID,
		CustomerID:         string(p.Customer),
		PriceID:            priceID,
		Status:             MapStatus(p.Status),
		CurrentPeriodStart: unixPtr(start),
		CurrentPeriodEnd:   unixPtr(end),
		TrialEnd:           unixPtr(p.TrialEnd),
		CancelAtPeriodEnd:  p.CancelAtPeriodEnd,
		CanceledAt:         unixPtr(p.CanceledAt),
		EndedAt:            unixPtr(p.EndedAt),
		Created:            unixTime(p.Created),
		Metadata:           p.Metadata,
	}, nil
}

// CheckoutSession is the subset of checkout.session used for activation.
type CheckoutSession struct {
	ID                string
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
	Metadata          map[string]string
}

// OrgID resolves the organization from client_reference_id, falling back to
// metadata.org_id.
func (c CheckoutSession) OrgID() (uuid.UUID, error) {
	for _, candidate := range []string{c.ClientReferenceID, c.Metadata["org_id"]} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		return uuid.Parse(candidate)
	}
	return uuid.Nil, fmt.Errorf("checkout session %s carries no organization reference", c.ID)
}

// ParseCheckoutSession decodes a checkout.session object.
func ParseCheckoutSession(raw []byte) (*CheckoutSession, error) {
	var p struct {
		ID                string            `json:"id"`
		ClientReferenceID string            `json:"client_reference_id"`
		Customer          expandableID      `json:"customer"`
		Subscription      expandableID      `json:"subscription"`
		Metadata          map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &CheckoutSession{
		ID:                p.ID,
		ClientReferenceID: p.ClientReferenceID,
		CustomerID:        string(p.Customer),
		SubscriptionID:    string(p.Subscription),
		Metadata:          p.Metadata,
	}, nil
}

// Invoice is the subset of invoice used for dunning transitions.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}

// ParseInvoice decodes an invoice object. Newer API versions move the
// subscription reference under parent.subscription_details.
func ParseInvoice(raw []byte) (*Invoice, error) {
	var p struct {
		ID           string       `json:"id"`
		Customer     expandableID `json:"customer"`
		Subscription expandableID `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription expandableID `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	subID := string(p.Subscription)
	if subID == "" && p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		subID = string(p.Parent.SubscriptionDetails.Subscription)
	}
	return &Invoice{ID: p.ID, CustomerID: string(p.Customer), SubscriptionID: subID}, nil
}

// PaymentIntentEvent is the subset of payment_intent used to settle top-ups.
type PaymentIntentEvent struct {
	ID             string
	PurchaseID     uuid.UUID
	FailureMessage string
}

// ParsePaymentIntent decodes a payment_intent object. PurchaseID is uuid.Nil
// when the intent was not created for a credit purchase.
func ParsePaymentIntent(raw []byte) (*PaymentIntentEvent, error) {
	var p struct {
		ID               string            `json:"id"`
		Metadata         map[string]string `json:"metadata"`
		LastPaymentError *struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	out := &PaymentIntentEvent{ID: p.ID}
	if rawID := strings.TrimSpace(p.Metadata[MetadataPurchaseID]); rawID != "" {
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("payment intent %s has invalid %s: %w", p.ID, MetadataPurchaseID, err)
		}
		out.PurchaseID = id
	}
	if p.LastPaymentError != nil {
		out.FailureMessage = p.LastPaymentError.Message
	}
	return out, nil
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
