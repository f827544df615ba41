package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/pixell/agent-billing/api/routes"
	"github.com/pixell/agent-billing/internal/app"
	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
)

const (
	serviceKind     = "api"
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.New(logger.Options{ServiceName: serviceKind}).Warn(context.Background(), "could not read .env")
	}
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{ServiceName: serviceKind}).Error(context.Background(), "failed to load config", err)
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := app.Bootstrap(context.Background(), cfg, serviceKind, registry)
	if err != nil {
		app.NewLogger(cfg, serviceKind).Error(context.Background(), "failed to bootstrap", err)
		return err
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()
	logg := rt.Logger

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"stripe_env": rt.Stripe.Environment(),
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, rt.DB, rt.Redis, registry, routes.Services{
			Quotas:        rt.Services.Quotas,
			Credits:       rt.Services.Credits,
			Subscriptions: rt.Services.Billing,
			Audit:         rt.Services.Events,
			StripeWebhook: rt.Services.StripeWebhook,
			StripeEvents:  rt.Stripe,
			HTTPMetrics:   metrics.NewHTTPMetrics(registry),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		logg.Info(ctx, "api server shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "graceful shutdown failed", err)
		}
	}()

	logg.Info(ctx, "starting api server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		return err
	}
	logg.Info(ctx, "api server stopped")
	return nil
}
