package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/pixell/agent-billing/internal/app"
	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/db"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/stripe"
)

type configLoader func() (*config.Config, error)

// runtime holds the bootstrapped clients for commands that touch the database.
type runtime struct {
	cfg      *config.Config
	logg     *logger.Logger
	db       *db.Client
	services *app.Services
}

func (r *runtime) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func newRootCmd(load configLoader) *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the Pixell billing service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newReconcileCmd(load),
		newTokenCmd(load),
		newTopUpCmd(load),
		newOrgCmd(load),
		newOutboxCmd(load),
	)
	return root
}

// connect loads config and opens the database only.
func connect(ctx context.Context, load configLoader) (*runtime, error) {
	cfg, err := load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logg := app.NewLogger(cfg, "billingctl")
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	return &runtime{cfg: cfg, logg: logg, db: dbClient}, nil
}

// bootstrap connects and wires the full billing service graph.
func bootstrap(ctx context.Context, load configLoader) (*runtime, error) {
	rt, err := connect(ctx, load)
	if err != nil {
		return nil, err
	}
	stripeClient, err := stripe.NewClient(ctx, rt.cfg.Stripe, rt.logg)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("bootstrap stripe: %w", err), rt.Close())
	}
	rt.services, err = app.NewServices(app.ServicesParams{
		Config: rt.cfg,
		Logger: rt.logg,
		DB:     rt.db,
		Stripe: stripeClient,
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("wire billing services: %w", err), rt.Close())
	}
	return rt, nil
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
