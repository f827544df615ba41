package stripewebhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/internal/subscriptions"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	"github.com/pixell/agent-billing/pkg/outbox"
	"github.com/pixell/agent-billing/pkg/outbox/payloads"
)

func (s *Service) handleCheckoutCompleted(ctx context.Context, tx *gorm.DB, raw []byte) error {
	session, err := subscriptions.ParseCheckoutSession(raw)
	if err != nil {
		return err
	}
	orgID, err := session.OrgID()
	if err != nil {
		return err
	}
	repo := s.billingRepo.WithTx(tx)
	org, err := repo.FindOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	if org == nil {
		return fmt.Errorf("checkout session %s: organization %s not found", session.ID, orgID)
	}
	fields := map[string]any{
		"subscription_status": enums.SubscriptionStatusActive,
		"updated_at":          s.now().UTC(),
	}
	if customer := strings.TrimSpace(session.CustomerID); customer != "" {
		fields["stripe_customer_id"] = customer
	}
	return repo.UpdateOrganization(ctx, orgID, fields)
}

func (s *Service) handleSubscriptionUpsert(ctx context.Context, tx *gorm.DB, raw []byte, observedAt time.Time) error {
	provider, err := subscriptions.ParseSubscription(raw)
	if err != nil {
		return err
	}
	orgID, err := s.resolveOrg(ctx, s.billingRepo.WithTx(tx), provider)
	if err != nil {
		return err
	}
	result, err := s.lifecycle.Sync(ctx, tx, orgID, provider, observedAt, subscriptions.SourceWebhook)
	if err != nil {
		return err
	}
	if result.Stale {
		s.logg.Info(s.logg.WithOrgID(ctx, orgID.String()), "stale subscription update skipped")
	}
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, tx *gorm.DB, raw []byte, observedAt time.Time) error {
	provider, err := subscriptions.ParseSubscription(raw)
	if err != nil {
		return err
	}
	repo := s.billingRepo.WithTx(tx)
	sub, err := repo.FindSubscriptionByStripeID(ctx, provider.ID)
	if err != nil {
		return err
	}
	if sub == nil {
		orgID, err := s.resolveOrg(ctx, repo, provider)
		if err != nil {
			return err
		}
		provider.Status = enums.SubscriptionStatusCanceled
		_, err = s.lifecycle.Sync(ctx, tx, orgID, provider, observedAt, subscriptions.SourceWebhook)
		return err
	}
	return s.lifecycle.Cancel(ctx, tx, sub, subscriptions.SourceWebhook, observedAt)
}

func (s *Service) handleTrialWillEnd(ctx context.Context, tx *gorm.DB, raw []byte) error {
	provider, err := subscriptions.ParseSubscription(raw)
	if err != nil {
		return err
	}
	orgID, err := s.resolveOrg(ctx, s.billingRepo.WithTx(tx), provider)
	if err != nil {
		return err
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionTrialWillEnd,
		AggregateType: enums.AggregateOrganization,
		AggregateID:   orgID,
		Actor:         outbox.ActorStripeWebhook,
		Data: payloads.TrialWillEndEvent{
			OrgID:                orgID,
			StripeSubscriptionID: provider.ID,
			TrialEnd:             provider.TrialEnd,
		},
	})
}

func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, tx *gorm.DB, raw []byte) error {
	invoice, err := subscriptions.ParseInvoice(raw)
	if err != nil {
		return err
	}
	sub, err := s.subscriptionForInvoice(ctx, s.billingRepo.WithTx(tx), invoice)
	if err != nil || sub == nil {
		return err
	}
	if sub.Status != enums.SubscriptionStatusPastDue {
		return nil
	}
	_, err = s.lifecycle.SetStatus(ctx, tx, sub, enums.SubscriptionStatusActive)
	return err
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, tx *gorm.DB, raw []byte) error {
	invoice, err := subscriptions.ParseInvoice(raw)
	if err != nil {
		return err
	}
	sub, err := s.subscriptionForInvoice(ctx, s.billingRepo.WithTx(tx), invoice)
	if err != nil || sub == nil {
		return err
	}
	changed, err := s.lifecycle.SetStatus(ctx, tx, sub, enums.SubscriptionStatusPastDue)
	if err != nil || !changed {
		return err
	}
	stripeID := ""
	if sub.StripeSubscriptionID != nil {
		stripeID = *sub.StripeSubscriptionID
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionPastDue,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   sub.ID,
		Actor:         outbox.ActorStripeWebhook,
		Data: payloads.SubscriptionPastDueEvent{
			OrgID:                sub.OrgID,
			StripeSubscriptionID: stripeID,
			InvoiceID:            invoice.ID,
		},
	})
}

func (s *Service) handlePaymentIntentSucceeded(ctx context.Context, tx *gorm.DB, raw []byte) error {
	intent, err := subscriptions.ParsePaymentIntent(raw)
	if err != nil {
		return err
	}
	if intent.PurchaseID == uuid.Nil {
		return nil
	}
	repo := s.billingRepo.WithTx(tx)
	purchase, err := repo.FindPurchase(ctx, intent.PurchaseID)
	if err != nil {
		return err
	}
	if purchase == nil {
		return fmt.Errorf("payment intent %s: purchase %s not found", intent.ID, intent.PurchaseID)
	}
	settled, err := repo.SettlePurchase(ctx, purchase.ID, enums.PurchaseStatusSucceeded, nil, s.now())
	if err != nil || !settled {
		return err
	}
	if purchase.StripePaymentIntentID == nil && intent.ID != "" {
		if err := repo.SetPurchasePaymentIntent(ctx, purchase.ID, intent.ID); err != nil {
			return err
		}
	}
	if err := repo.AddTopupCredits(ctx, purchase.OrgID, purchase.Credits); err != nil {
		return err
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCreditPurchaseSucceeded,
		AggregateType: enums.AggregateCreditPurchase,
		AggregateID:   purchase.ID,
		Actor:         outbox.ActorStripeWebhook,
		Data: payloads.CreditPurchaseSucceededEvent{
			OrgID:      purchase.OrgID,
			PurchaseID: purchase.ID,
			Credits:    purchase.Credits,
			Amount:     purchase.Amount.StringFixed(2),
			Currency:   purchase.Currency,
		},
	})
}

func (s *Service) handlePaymentIntentFailed(ctx context.Context, tx *gorm.DB, raw []byte) error {
	intent, err := subscriptions.ParsePaymentIntent(raw)
	if err != nil {
		return err
	}
	if intent.PurchaseID == uuid.Nil {
		return nil
	}
	reason := intent.FailureMessage
	if reason == "" {
		reason = "payment failed"
	}
	_, err = s.billingRepo.WithTx(tx).SettlePurchase(ctx, intent.PurchaseID, enums.PurchaseStatusFailed, &reason, s.now())
	return err
}

// resolveOrg finds the organization a provider subscription belongs to: the
// existing local row, then metadata.org_id, then the customer id.
func (s *Service) resolveOrg(ctx context.Context, repo billing.Repository, provider *subscriptions.ProviderSubscription) (uuid.UUID, error) {
	existing, err := repo.FindSubscriptionByStripeID(ctx, provider.ID)
	if err != nil {
		return uuid.Nil, err
	}
	if existing != nil {
		return existing.OrgID, nil
	}
	if raw := strings.TrimSpace(provider.Metadata[subscriptions.MetadataOrgID]); raw != "" {
		orgID, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("subscription %s has invalid org_id metadata: %w", provider.ID, err)
		}
		org, err := repo.FindOrganization(ctx, orgID)
		if err != nil {
			return uuid.Nil, err
		}
		if org != nil {
			return org.ID, nil
		}
	}
	if provider.CustomerID != "" {
		org, err := repo.FindOrganizationByCustomerID(ctx, provider.CustomerID)
		if err != nil {
			return uuid.Nil, err
		}
		if org != nil {
			return org.ID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("subscription %s: %w", provider.ID, errOrgUnresolved)
}

// subscriptionForInvoice returns nil when the invoice is not tied to a known
// subscription.
func (s *Service) subscriptionForInvoice(ctx context.Context, repo billing.Repository, invoice *subscriptions.Invoice) (*models.Subscription, error) {
	if invoice.SubscriptionID != "" {
		sub, err := repo.FindSubscriptionByStripeID(ctx, invoice.SubscriptionID)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	if invoice.CustomerID != "" {
		return repo.FindSubscriptionByCustomerID(ctx, invoice.CustomerID)
	}
	return nil, nil
}
