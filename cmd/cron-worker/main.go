package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/pixell/agent-billing/internal/app"
	"github.com/pixell/agent-billing/internal/cron"
	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/db"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
)

const serviceKind = "cron-worker"

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
	rt, err := app.Bootstrap(context.Background(), cfg, serviceKind, prometheus.DefaultRegisterer)
	if err != nil {
		app.NewLogger(cfg, serviceKind).Error(context.Background(), "failed to bootstrap", err)
		return err
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()
	logg := rt.Logger

	registry, err := buildRegistry(cfg, logg, rt.DB, rt.Services)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		return err
	}
	locker, err := cron.NewRedisLocker(rt.Redis, cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron locker", err)
		return err
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Locker:     locker,
		Metrics:    metrics.NewCronMetrics(prometheus.DefaultRegisterer),
		JobTimeout: cfg.Cron.JobTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "serviceKind": serviceKind})
	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return service.Run(groupCtx) })
	group.Go(func() error {
		return metrics.Serve(groupCtx, cfg.Service.MetricsAddr, prometheus.DefaultGatherer, logg)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		return err
	}
	logg.Info(ctx, "cron worker shut down")
	return nil
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, services *app.Services) (*cron.Registry, error) {
	reconcileJob, err := cron.NewSubscriptionReconcileJob(cron.SubscriptionReconcileJobParams{
		Logger:     logg,
		Reconciler: services.Reconcile,
	})
	if err != nil {
		return nil, err
	}
	rolloverJob, err := cron.NewPeriodRolloverJob(cron.PeriodRolloverJobParams{
		Logger:     logg,
		DB:         dbClient,
		Balances:   services.BillingRepo,
		Allotments: services.Credits,
	})
	if err != nil {
		return nil, err
	}
	retentionJob, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Logger: logg,
		Targets: []cron.RetentionTarget{
			{Name: "outbox", Retention: cfg.Cron.OutboxRetention, Prune: services.OutboxRepo.DeletePublishedBefore},
			{Name: "webhook_ledger", Retention: cfg.Cron.WebhookLedgerRetention, Prune: services.WebhookLedger.DeleteProcessedBefore},
		},
	})
	if err != nil {
		return nil, err
	}

	registry := cron.NewRegistry()
	err = multierr.Combine(
		registry.Register(cfg.Cron.ReconcileSchedule, reconcileJob),
		registry.Register(cfg.Cron.PeriodRolloverSchedule, rolloverJob),
		registry.Register(cfg.Cron.RetentionSchedule, retentionJob),
	)
	return registry, err
}
