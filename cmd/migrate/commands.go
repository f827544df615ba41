package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/db"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/migrate"
)

type configLoader func() (*config.Config, error)

// dbAction runs against an open connection; driver is the normalized DB driver.
type dbAction func(ctx context.Context, sqlDB *sql.DB, driver string) error

func newRootCmd(load configLoader) *cobra.Command {
	var dir string
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the billing schema with goose",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", migrate.DefaultDir, "migrations root, one subdirectory per dialect")

	withDB := func(action dbAction) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			return runWithDB(cmd.Context(), load, cmd.Name(), action)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, sqlDB *sql.DB, driver string) error {
				return migrate.Run(ctx, sqlDB, driver, dir, "up")
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, sqlDB *sql.DB, driver string) error {
				return migrate.Run(ctx, sqlDB, driver, dir, "down")
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, sqlDB *sql.DB, driver string) error {
				return migrate.Run(ctx, sqlDB, driver, dir, "status")
			}),
		},
		&cobra.Command{
			Use:   "to VERSION",
			Short: "Migrate up or down to VERSION (YYYYMMDDHHMMSS)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				target, err := migrate.ParseVersion(args[0])
				if err != nil {
					return err
				}
				return runWithDB(cmd.Context(), load, "to", func(ctx context.Context, sqlDB *sql.DB, driver string) error {
					return migrate.MigrateTo(ctx, sqlDB, driver, dir, target)
				})
			},
		},
		&cobra.Command{
			Use:   "create NAME",
			Short: "Write an empty migration into every dialect directory",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				paths, err := migrate.CreateSQLMigration(dir, strings.Join(args, "_"))
				for _, path := range paths {
					fmt.Fprintln(cmd.OutOrStdout(), "created", path)
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check migration names, goose markers and dialect parity",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := migrate.ValidateTree(dir); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations ok")
				return nil
			},
		},
	)
	return root
}

func runWithDB(ctx context.Context, load configLoader, command string, action dbAction) (err error) {
	cfg, err := load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       cfg.App.LogLevel,
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "command": command})

	client, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "database unavailable", err)
		return err
	}
	defer func() { err = multierr.Append(err, client.Close()) }()

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	if err := action(ctx, sqlDB, client.Driver()); err != nil {
		logg.Error(ctx, "migration failed", err)
		return err
	}
	logg.Info(ctx, "migration finished")
	return nil
}
