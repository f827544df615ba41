package app

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/internal/billingevents"
	"github.com/pixell/agent-billing/internal/credits"
	"github.com/pixell/agent-billing/internal/quota"
	"github.com/pixell/agent-billing/internal/reconcile"
	"github.com/pixell/agent-billing/internal/subscriptions"
	stripewebhook "github.com/pixell/agent-billing/internal/webhooks/stripe"
	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/db"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
	"github.com/pixell/agent-billing/pkg/outbox"
	"github.com/pixell/agent-billing/pkg/redis"
	pkgstripe "github.com/pixell/agent-billing/pkg/stripe"
)

// ServicesParams groups the clients every binary bootstraps.
type ServicesParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Redis      *redis.Client
	Stripe     *pkgstripe.Client
	Registerer prometheus.Registerer
}

// Services is the billing domain graph shared by the api, cron worker and
// operator CLI.
type Services struct {
	BillingRepo   billing.Repository
	Billing       *billing.Service
	Events        *billingevents.Service
	Outbox        *outbox.Service
	OutboxRepo    *outbox.Repository
	Credits       *credits.Manager
	Quotas        *quota.Manager
	Provider      *subscriptions.StripeProvider
	Lifecycle     *subscriptions.Lifecycle
	WebhookLedger stripewebhook.Ledger
	StripeWebhook *stripewebhook.Service
	Reconcile     *reconcile.Job
	Metrics       *metrics.BillingMetrics
}

// NewServices wires the domain services. Redis is optional; without it the
// webhook service runs without the in-flight guard.
func NewServices(params ServicesParams) (*Services, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Stripe == nil {
		return nil, errors.New("stripe client is required")
	}
	cfg := params.Config
	logg := params.Logger
	conn := params.DB.DB()

	priceTiers, err := cfg.Stripe.PriceTiers()
	if err != nil {
		return nil, err
	}
	unitPrice, err := cfg.Stripe.TopUpUnitPrice()
	if err != nil {
		return nil, err
	}

	out := &Services{
		BillingRepo: billing.NewRepository(conn),
		OutboxRepo:  outbox.NewRepository(conn),
		Metrics:     metrics.NewBillingMetrics(params.Registerer),
	}
	out.Outbox = outbox.NewService(out.OutboxRepo, logg)

	if out.Billing, err = billing.NewService(billing.ServiceParams{Repo: out.BillingRepo, DB: params.DB}); err != nil {
		return nil, fmt.Errorf("billing service: %w", err)
	}
	if out.Events, err = billingevents.NewService(billingevents.NewRepository(conn), logg); err != nil {
		return nil, fmt.Errorf("billing events: %w", err)
	}
	if out.Provider, err = subscriptions.NewStripeProvider(params.Stripe); err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}

	out.Credits, err = credits.NewManager(credits.ManagerParams{
		DB:              params.DB,
		Repo:            out.BillingRepo,
		Events:          out.Events,
		Outbox:          out.Outbox,
		Payments:        out.Provider,
		UnitPrice:       unitPrice,
		Currency:        cfg.Billing.Currency,
		MinTopUpCredits: cfg.Billing.MinTopUpCredits,
		Metrics:         out.Metrics,
		Logger:          logg,
	})
	if err != nil {
		return nil, fmt.Errorf("credit manager: %w", err)
	}

	out.Quotas, err = quota.NewManager(quota.ManagerParams{
		DB:      params.DB,
		Repo:    out.BillingRepo,
		Events:  out.Events,
		Metrics: out.Metrics,
		Logger:  logg,
	})
	if err != nil {
		return nil, fmt.Errorf("quota manager: %w", err)
	}

	out.Lifecycle, err = subscriptions.NewLifecycle(subscriptions.LifecycleParams{
		Repo:       out.BillingRepo,
		Outbox:     out.Outbox,
		Allotments: out.Credits,
		Resolver:   subscriptions.NewTierResolver(priceTiers),
	})
	if err != nil {
		return nil, fmt.Errorf("subscription lifecycle: %w", err)
	}

	out.WebhookLedger = stripewebhook.NewLedger(conn)
	webhookParams := stripewebhook.ServiceParams{
		DB:          params.DB,
		Ledger:      out.WebhookLedger,
		BillingRepo: out.BillingRepo,
		Lifecycle:   out.Lifecycle,
		Outbox:      out.Outbox,
		Metrics:     out.Metrics,
		Logger:      logg,
	}
	if params.Redis != nil {
		guard, err := stripewebhook.NewInFlightGuard(params.Redis, cfg.Billing.WebhookIdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("webhook guard: %w", err)
		}
		webhookParams.Guard = guard
	}
	if out.StripeWebhook, err = stripewebhook.NewService(webhookParams); err != nil {
		return nil, fmt.Errorf("stripe webhook service: %w", err)
	}

	out.Reconcile, err = reconcile.NewJob(reconcile.JobParams{
		DB:         params.DB,
		Repo:       out.BillingRepo,
		Provider:   out.Provider,
		Lifecycle:  out.Lifecycle,
		Allotments: out.Credits,
		BatchSize:  cfg.Billing.ReconcileBatchLimit,
		Metrics:    out.Metrics,
		Logger:     logg,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile job: %w", err)
	}
	return out, nil
}
