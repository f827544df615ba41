package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixell/agent-billing/api/controllers"
	billingcontrollers "github.com/pixell/agent-billing/api/controllers/billing"
	webhookcontrollers "github.com/pixell/agent-billing/api/controllers/webhooks"
	"github.com/pixell/agent-billing/api/middleware"
	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/db"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
	"github.com/pixell/agent-billing/pkg/redis"
)

// Services groups the domain services mounted by the router.
type Services struct {
	Quotas        billingcontrollers.QuotaService
	Credits       billingcontrollers.CreditService
	Subscriptions billingcontrollers.SubscriptionReader
	Audit         billingcontrollers.AuditService
	StripeWebhook webhookcontrollers.StripeWebhookService
	StripeEvents  webhookcontrollers.EventVerifier
	HTTPMetrics   *metrics.HTTPMetrics
}

// NewRouter mounts health, metrics, webhook and billing routes.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	gatherer prometheus.Gatherer,
	svcs Services,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Logging(logg, svcs.HTTPMetrics),
		middleware.Recoverer(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisClient))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(svcs.StripeWebhook, svcs.StripeEvents, logg))
	})

	// Metered writes replay on a repeated Idempotency-Key.
	idempotent := func(next http.Handler) http.Handler { return next }
	if redisClient != nil {
		idempotent = middleware.Idempotent(redisClient, cfg.Billing.RequestIdempotencyTTL, logg)
	}

	r.Route("/billing", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.ServiceAuth(cfg.ServiceAuth, logg))

			r.Post("/quotas/check", billingcontrollers.QuotaCheck(svcs.Quotas, logg))
			r.With(idempotent).Post("/quotas/increment", billingcontrollers.QuotaIncrement(svcs.Quotas, logg))
			r.Post("/credits/check", billingcontrollers.CreditCheck(svcs.Credits, logg))
			r.With(idempotent).Post("/credits/deduct", billingcontrollers.CreditDeduct(svcs.Credits, logg))
			r.Post("/credits/purchase", billingcontrollers.CreditPurchase(logg))
			r.Get("/subscription", billingcontrollers.Subscription(svcs.Subscriptions, logg))
			r.Get("/events/pending", billingcontrollers.PendingEvents(svcs.Audit, logg))
			r.With(idempotent).Post("/events/{eventId}/audit", billingcontrollers.AuditEvent(svcs.Audit, logg))
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.RequireBillingRole(logg))

			r.Get("/auto-topup", billingcontrollers.AutoTopUpGet(svcs.Credits, logg))
			r.With(idempotent).Put("/auto-topup", billingcontrollers.AutoTopUpUpdate(svcs.Credits, logg))
		})
	})

	return r
}
