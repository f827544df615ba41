package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/logger"
)

const txRetryBackoff = 20 * time.Millisecond

// Client owns the pooled GORM connection shared by repositories.
type Client struct {
	conn      *gorm.DB
	driver    string
	txRetries int
}

// Pinger is the readiness surface used by health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New opens the configured database, applies pool limits and routes GORM's
// query log through logg.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newQueryLogger(logg, cfg.SlowQueryThreshold),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", NormalizeDriver(cfg.Driver), err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	client := &Client{conn: conn, driver: NormalizeDriver(cfg.Driver), txRetries: cfg.TxRetries}
	logg.Info(logg.WithFields(ctx, map[string]any{
		"db_driver":      client.driver,
		"max_open_conns": cfg.MaxOpenConns,
	}), "database connection established")
	return client, nil
}

// Wrap adapts an existing gorm handle. Transactions are not retried.
func Wrap(conn *gorm.DB, driver string) *Client {
	return &Client{conn: conn, driver: NormalizeDriver(driver)}
}

func (c *Client) Driver() string { return c.driver }

func (c *Client) DB() *gorm.DB { return c.conn }

func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Client) Close() error {
	sqlDB, err := c.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn in a transaction and commits when it returns nil. A
// serialization failure or deadlock reruns fn from the start, up to the
// configured retry count, so fn must not keep state across attempts.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	for attempt := 0; ; attempt++ {
		err := c.conn.WithContext(ctx).Transaction(fn)
		if err == nil || attempt >= c.txRetries || !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * txRetryBackoff):
		}
	}
}
