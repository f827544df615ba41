package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/db"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/migrate"
	"github.com/pixell/agent-billing/pkg/redis"
	"github.com/pixell/agent-billing/pkg/stripe"
)

// Runtime owns the clients of a long-running binary.
type Runtime struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *db.Client
	Redis    *redis.Client
	Stripe   *stripe.Client
	Services *Services
}

// NewLogger builds the service logger from the loaded config.
func NewLogger(cfg *config.Config, service string) *logger.Logger {
	return logger.New(logger.Options{
		ServiceName: service,
		Level:       cfg.App.LogLevel,
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})
}

// Bootstrap connects the database, Redis and Stripe for service and wires the
// billing graph. On error every client opened so far is closed.
func Bootstrap(ctx context.Context, cfg *config.Config, service string, reg prometheus.Registerer) (rt *Runtime, err error) {
	cfg.Service.Kind = service
	rt = &Runtime{Config: cfg, Logger: NewLogger(cfg, service)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, rt.Close())
			rt = nil
		}
	}()

	if rt.DB, err = db.New(ctx, cfg.DB, rt.Logger); err != nil {
		return rt, fmt.Errorf("bootstrap database: %w", err)
	}
	if err = migrate.EnsureDevSchema(ctx, cfg, rt.Logger, rt.DB); err != nil {
		return rt, fmt.Errorf("dev migrations: %w", err)
	}
	if rt.Redis, err = redis.New(ctx, cfg.Redis, rt.Logger); err != nil {
		return rt, fmt.Errorf("bootstrap redis: %w", err)
	}
	if rt.Stripe, err = stripe.NewClient(ctx, cfg.Stripe, rt.Logger); err != nil {
		return rt, fmt.Errorf("bootstrap stripe: %w", err)
	}
	rt.Services, err = NewServices(ServicesParams{
		Config:     cfg,
		Logger:     rt.Logger,
		DB:         rt.DB,
		Redis:      rt.Redis,
		Stripe:     rt.Stripe,
		Registerer: reg,
	})
	if err != nil {
		return rt, fmt.Errorf("wire billing services: %w", err)
	}
	return rt, nil
}

// Close releases Redis and the database, in that order.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var err error
	if rt.Redis != nil {
		err = multierr.Append(err, rt.Redis.Close())
	}
	if rt.DB != nil {
		err = multierr.Append(err, rt.DB.Close())
	}
	return err
}
