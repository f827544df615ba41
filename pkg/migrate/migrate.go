package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/pressly/goose/v3"

	"github.com/pixell/agent-billing/pkg/db"
)

// DefaultDir holds one subdirectory of SQL migrations per goose dialect.
const DefaultDir = "pkg/migrate/migrations"

// GooseDialect maps a configured DB driver onto the goose dialect name.
func GooseDialect(driver string) (string, error) {
	switch db.NormalizeDriver(driver) {
	case db.DriverPostgres:
		return "postgres", nil
	case db.DriverMySQL:
		return "mysql", nil
	default:
		return "", fmt.Errorf("no SQL migrations maintained for driver %q", driver)
	}
}

// DirFor returns the migration directory for driver under base.
func DirFor(base, driver string) (string, error) {
	dialect, err := GooseDialect(driver)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, dialect), nil
}

func prepare(driver, base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("migrations dir is required")
	}
	dir, err := DirFor(base, driver)
	if err != nil {
		return "", err
	}
	if err := goose.SetDialect(filepath.Base(dir)); err != nil {
		return "", fmt.Errorf("set goose dialect: %w", err)
	}
	return dir, nil
}

// Run executes a goose command against the dialect directory for driver.
func Run(ctx context.Context, sqlDB *sql.DB, driver, base, command string, args ...string) error {
	if sqlDB == nil {
		return fmt.Errorf("db is required")
	}
	dir, err := prepare(driver, base)
	if err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, sqlDB, dir, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// ParseVersion parses a YYYYMMDDHHMMSS migration version.
func ParseVersion(raw string) (int64, error) {
	if len(raw) != len(versionLayout) {
		return 0, fmt.Errorf("invalid version %q: expected YYYYMMDDHHMMSS", raw)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", raw, err)
	}
	return v, nil
}

// MigrateTo moves the schema up or down until the applied version equals
// target.
func MigrateTo(ctx context.Context, sqlDB *sql.DB, driver, base string, target int64) error {
	dir, err := prepare(driver, base)
	if err != nil {
		return err
	}
	current, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case current < target:
		err = goose.UpToContext(ctx, sqlDB, dir, target)
	case current > target:
		err = goose.DownToContext(ctx, sqlDB, dir, target)
	}
	if err != nil {
		return fmt.Errorf("migrate %d -> %d: %w", current, target, err)
	}
	return nil
}
