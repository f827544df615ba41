package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/db"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/logger"
)

// EnsureDevSchema brings a local database up to date at boot. It is a no-op
// unless the app runs in dev with PIXELL_AUTO_MIGRATE set. SQLite has no
// goose migrations and is built from the gorm models instead.
func EnsureDevSchema(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "driver": client.Driver()})
	started := time.Now()

	switch client.Driver() {
	case db.DriverSQLite:
		if err := client.DB().WithContext(ctx).AutoMigrate(models.All()...); err != nil {
			return fmt.Errorf("auto-migrate sqlite schema: %w", err)
		}
	default:
		sqlDB, err := client.DB().DB()
		if err != nil {
			return fmt.Errorf("extract sql.DB: %w", err)
		}
		if err := Run(ctx, sqlDB, client.Driver(), DefaultDir, "up"); err != nil {
			return fmt.Errorf("goose up: %w", err)
		}
	}
	logg.Info(logg.WithField(ctx, "elapsed_ms", time.Since(started).Milliseconds()), "dev schema ready")
	return nil
}
