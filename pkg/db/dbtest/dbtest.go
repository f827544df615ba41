// Package dbtest opens isolated SQLite databases for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/db"
	"github.com/pixell/agent-billing/pkg/db/models"
)

var seq atomic.Int64

// Open returns a migrated in-memory database private to the calling test.
// The pool is capped at one connection so concurrent callers serialize on
// SQLite instead of failing with "database is locked".
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return conn
}

// Client wraps Open in a *db.Client for code that needs transactions.
func Client(t *testing.T) *db.Client {
	t.Helper()
	return db.Wrap(Open(t), db.DriverSQLite)
}
