package stripewebhook

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/internal/subscriptions"
	"github.com/pixell/agent-billing/pkg/db/models"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
	"github.com/pixell/agent-billing/pkg/outbox"
)

// Result is what the webhook endpoint acknowledges.
type Result struct {
	Received bool `json:"received"`
	Cached   bool `json:"cached,omitempty"`
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type guard interface {
	Claim(ctx context.Context, eventID string) (func(context.Context) error, error)
}

// ServiceParams groups dependencies for the webhook service. Guard is optional.
type ServiceParams struct {
	DB          txRunner
	Ledger      Ledger
	BillingRepo billing.Repository
	Lifecycle   *subscriptions.Lifecycle
	Outbox      outbox.Emitter
	Guard       guard
	Metrics     *metrics.BillingMetrics
	Logger      *logger.Logger
}

// Service applies verified Stripe events to local billing state exactly once.
type Service struct {
	db          txRunner
	ledger      Ledger
	billingRepo billing.Repository
	lifecycle   *subscriptions.Lifecycle
	outbox      outbox.Emitter
	guard       guard
	metrics     *metrics.BillingMetrics
	logg        *logger.Logger
	now         func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook ledger required")
	}
	if params.BillingRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing repo required")
	}
	if params.Lifecycle == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription lifecycle required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		db:          params.DB,
		ledger:      params.Ledger,
		billingRepo: params.BillingRepo,
		lifecycle:   params.Lifecycle,
		outbox:      params.Outbox,
		guard:       params.Guard,
		metrics:     params.Metrics,
		logg:        logg,
		now:         time.Now,
	}, nil
}

// HandleEvent records event in the ledger, runs its handler in a transaction
// and marks the ledger row processed. A successfully processed event is
// acknowledged as cached without running again. A failed handler leaves its
// error text on the row and the event runs again on redelivery.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) (*Result, error) {
	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event id required")
	}
	if event.Data == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	eventType := string(event.Type)
	ctx = s.logg.WithFields(ctx, map[string]any{"stripe_event_id": eventID, "stripe_event_type": eventType})

	if s.guard != nil {
		release, err := s.guard.Claim(ctx, eventID)
		switch {
		case errors.Is(err, ErrInFlight):
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "event is already being processed")
		case err != nil:
			s.logg.Warn(ctx, "webhook in-flight guard unavailable: "+err.Error())
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.logg.Warn(ctx, "release webhook in-flight guard: "+err.Error())
				}
			}()
		}
	}

	row, err := s.ledger.FindByEventID(ctx, eventID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load webhook ledger")
	}
	if row != nil && row.Processed && row.ProcessingError == nil {
		s.metrics.WebhookEvent(eventType, metrics.OutcomeCached)
		s.logg.Info(ctx, "stripe event already processed")
		return &Result{Received: true, Cached: true}, nil
	}
	if row == nil {
		row = &models.WebhookEvent{
			StripeEventID: eventID,
			EventType:     eventType,
			APIVersion:    event.APIVersion,
			Payload:       string(event.Data.Raw),
		}
		if err := s.ledger.Create(ctx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record webhook event")
		}
	}

	handled := true
	handlerErr := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		handled, err = s.dispatch(ctx, tx, event)
		return err
	})

	if err := s.ledger.MarkProcessed(context.WithoutCancel(ctx), row, handlerErr, s.now()); err != nil {
		s.logg.Error(ctx, "failed to mark webhook event processed", err)
		if handlerErr == nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark webhook event processed")
		}
	}

	switch {
	case handlerErr != nil:
		s.metrics.WebhookEvent(eventType, metrics.OutcomeFailed)
		s.logg.Error(ctx, "stripe event handler failed", handlerErr)
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, handlerErr, "process stripe event")
	case !handled:
		s.metrics.WebhookEvent(eventType, metrics.OutcomeIgnored)
		s.logg.Info(ctx, "stripe event type ignored")
	default:
		s.metrics.WebhookEvent(eventType, metrics.OutcomeProcessed)
		s.logg.Info(ctx, "stripe event processed")
	}
	return &Result{Received: true}, nil
}

// dispatch runs the handler for event inside tx. It reports false for event
// types this service does not act on.
func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, event stripe.Event) (bool, error) {
	raw := event.Data.Raw
	observedAt := time.Unix(event.Created, 0).UTC()
	if event.Created == 0 {
		observedAt = s.now().UTC()
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return true, s.handleCheckoutCompleted(ctx, tx, raw)
	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		return true, s.handleSubscriptionUpsert(ctx, tx, raw, observedAt)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return true, s.handleSubscriptionDeleted(ctx, tx, raw, observedAt)
	case stripe.EventTypeCustomerSubscriptionTrialWillEnd:
		return true, s.handleTrialWillEnd(ctx, tx, raw)
	case stripe.EventTypeInvoicePaymentSucceeded:
		return true, s.handleInvoicePaymentSucceeded(ctx, tx, raw)
	case stripe.EventTypeInvoicePaymentFailed:
		return true, s.handleInvoicePaymentFailed(ctx, tx, raw)
	case stripe.EventTypePaymentIntentSucceeded:
		return true, s.handlePaymentIntentSucceeded(ctx, tx, raw)
	case stripe.EventTypePaymentIntentPaymentFailed:
		return true, s.handlePaymentIntentFailed(ctx, tx, raw)
	default:
		return false, nil
	}
}

var errOrgUnresolved = errors.New("organization could not be resolved for provider object")
