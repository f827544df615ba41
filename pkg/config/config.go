package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	ServiceAuth  ServiceAuthConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Billing      BillingConfig
	Cron         CronConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if _, err := cfg.Stripe.PriceTiers(); err != nil {
		return nil, err
	}
	if _, err := cfg.Stripe.TopUpUnitPrice(); err != nil {
		return nil, err
	}
	if cfg.App.IsProd() && cfg.Stripe.Environment() != "live" {
		return nil, fmt.Errorf("%s must be live when %s is %s", EnvStripeEnv, EnvAppEnv, AppEnvProd)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"PIXELL_APP_ENV" required:"true"`
	Port         string   `envconfig:"PIXELL_APP_PORT" default:"8080"`
	LogLevel     string   `envconfig:"PIXELL_LOG_LEVEL" default:"info"`
	LogFormat    string   `envconfig:"PIXELL_LOG_FORMAT" default:"json"`
	LogWarnStack bool     `envconfig:"PIXELL_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"PIXELL_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PIXELL_SERVICE_KIND" default:"api"`
	// MetricsAddr is where background workers serve /metrics. Empty disables it.
	MetricsAddr string `envconfig:"PIXELL_METRICS_ADDR" default:":9090"`
}

type DBConfig struct {
	DSN    string `envconfig:"PIXELL_DB_DSN"`
	Driver string `envconfig:"PIXELL_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"PIXELL_DB_HOST"`
	Port     int    `envconfig:"PIXELL_DB_PORT"`
	User     string `envconfig:"PIXELL_DB_USER"`
	Password string `envconfig:"PIXELL_DB_PASSWORD"`
	Name     string `envconfig:"PIXELL_DB_NAME"`
	SSLMode  string `envconfig:"PIXELL_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PIXELL_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PIXELL_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PIXELL_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PIXELL_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQueryThreshold time.Duration `envconfig:"PIXELL_DB_SLOW_QUERY_THRESHOLD" default:"500ms"`
	TxRetries          int           `envconfig:"PIXELL_DB_TX_RETRIES" default:"3"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PIXELL_REDIS_URL"`
	Address      string        `envconfig:"PIXELL_REDIS_ADDR"`
	Password     string        `envconfig:"PIXELL_REDIS_PASSWORD"`
	DB           int           `envconfig:"PIXELL_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PIXELL_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PIXELL_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PIXELL_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PIXELL_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PIXELL_REDIS_WRITE_TIMEOUT" default:"5s"`
	KeyPrefix    string        `envconfig:"PIXELL_REDIS_KEY_PREFIX" default:"pixell"`
}

// JWTConfig signs end-user access tokens accepted by the settings endpoints.
type JWTConfig struct {
	Secret            string `envconfig:"PIXELL_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"PIXELL_JWT_ISSUER" default:"pixell"`
	ExpirationMinutes int    `envconfig:"PIXELL_JWT_EXPIRATION_MINUTES" default:"60"`
}

// ServiceAuthConfig signs bearer tokens for internal callers such as the orchestrator.
type ServiceAuthConfig struct {
	Secret   string        `envconfig:"PIXELL_SERVICE_TOKEN_SECRET" required:"true"`
	Issuer   string        `envconfig:"PIXELL_SERVICE_TOKEN_ISSUER" default:"pixell-internal"`
	Audience string        `envconfig:"PIXELL_SERVICE_TOKEN_AUDIENCE" default:"billing"`
	TTL      time.Duration `envconfig:"PIXELL_SERVICE_TOKEN_TTL" default:"24h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PIXELL_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey string `envconfig:"PIXELL_STRIPE_API_KEY"`
	Secret string `envconfig:"PIXELL_STRIPE_WEBHOOK_SECRET"`
	Env    string `envconfig:"PIXELL_STRIPE_ENV" default:"test"`
	// PriceTierMap is a comma separated list of price_id:tier pairs.
	PriceTierMap string `envconfig:"PIXELL_STRIPE_PRICE_TIERS"`
	// TopUpUnitPriceRaw is the price of one top-up credit in the billing currency.
	TopUpUnitPriceRaw string `envconfig:"PIXELL_STRIPE_TOPUP_UNIT_PRICE" default:"0.10"`

	MaxNetworkRetries int64         `envconfig:"PIXELL_STRIPE_MAX_NETWORK_RETRIES" default:"2"`
	Timeout           time.Duration `envconfig:"PIXELL_STRIPE_TIMEOUT" default:"30s"`
	WebhookTolerance  time.Duration `envconfig:"PIXELL_STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// PriceTiers parses PriceTierMap into price id -> tier name.
func (s StripeConfig) PriceTiers() (map[string]string, error) {
	out := map[string]string{}
	raw := strings.TrimSpace(s.PriceTierMap)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		priceID, tier, ok := strings.Cut(pair, ":")
		priceID, tier = strings.TrimSpace(priceID), strings.ToLower(strings.TrimSpace(tier))
		if !ok || priceID == "" || tier == "" {
			return nil, fmt.Errorf("%s: malformed entry %q", EnvStripePriceTiers, pair)
		}
		out[priceID] = tier
	}
	return out, nil
}

// TopUpUnitPrice parses TopUpUnitPriceRaw.
func (s StripeConfig) TopUpUnitPrice() (decimal.Decimal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(s.TopUpUnitPriceRaw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", EnvStripeTopUpUnitPrice, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive", EnvStripeTopUpUnitPrice)
	}
	return price, nil
}

type BillingConfig struct {
	Currency              string        `envconfig:"PIXELL_BILLING_CURRENCY" default:"usd"`
	WebhookIdempotencyTTL time.Duration `envconfig:"PIXELL_BILLING_WEBHOOK_IDEMPOTENCY_TTL" default:"10m"`
	RequestIdempotencyTTL time.Duration `envconfig:"PIXELL_BILLING_REQUEST_IDEMPOTENCY_TTL" default:"24h"`
	ReconcileBatchLimit   int           `envconfig:"PIXELL_BILLING_RECONCILE_BATCH_LIMIT" default:"500"`
	MinTopUpCredits       int64         `envconfig:"PIXELL_BILLING_MIN_TOPUP_CREDITS" default:"50"`
}

type CronConfig struct {
	ReconcileSchedule      string        `envconfig:"PIXELL_CRON_RECONCILE_SCHEDULE" default:"@weekly"`
	PeriodRolloverSchedule string        `envconfig:"PIXELL_CRON_PERIOD_ROLLOVER_SCHEDULE" default:"@hourly"`
	RetentionSchedule      string        `envconfig:"PIXELL_CRON_RETENTION_SCHEDULE" default:"@daily"`
	OutboxRetention        time.Duration `envconfig:"PIXELL_CRON_OUTBOX_RETENTION" default:"720h"`
	WebhookLedgerRetention time.Duration `envconfig:"PIXELL_CRON_WEBHOOK_LEDGER_RETENTION" default:"2160h"`
	LockTTL                time.Duration `envconfig:"PIXELL_CRON_LOCK_TTL" default:"2h"`
	JobTimeout             time.Duration `envconfig:"PIXELL_CRON_JOB_TIMEOUT" default:"1h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PIXELL_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"PIXELL_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PIXELL_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	BillingTopic string `envconfig:"PIXELL_PUBSUB_BILLING_TOPIC" default:"billing-notifications"`
	// OrderByAggregate publishes with the aggregate id as ordering key so
	// consumers see one organization's events in commit order.
	OrderByAggregate bool          `envconfig:"PIXELL_PUBSUB_ORDER_BY_AGGREGATE" default:"true"`
	PublishTimeout   time.Duration `envconfig:"PIXELL_PUBSUB_PUBLISH_TIMEOUT" default:"15s"`
	// TopicOverrides routes single event types elsewhere, as
	// event_type:topic pairs.
	TopicOverrides map[string]string `envconfig:"PIXELL_PUBSUB_TOPIC_OVERRIDES"`
}

// TopicFor returns the topic that carries eventType.
func (p PubSubConfig) TopicFor(eventType string) string {
	if topic := strings.TrimSpace(p.TopicOverrides[eventType]); topic != "" {
		return topic
	}
	return p.BillingTopic
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"PIXELL_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"PIXELL_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"PIXELL_OUTBOX_MAX_ATTEMPTS" default:"10"`
	// MaxBackoffMS caps the relay's sleep after consecutive batch errors.
	MaxBackoffMS int `envconfig:"PIXELL_OUTBOX_MAX_BACKOFF_MS" default:"10000"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	switch strings.ToLower(strings.TrimSpace(db.Driver)) {
	case "mysql":
		port := db.Port
		if port == 0 {
			port = 3306
		}
		db.DSN = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			db.User, db.Password, db.Host, strconv.Itoa(port), db.Name)
		return nil
	case "", "postgres":
	default:
		return fmt.Errorf("%s requires %s for driver %q", EnvDBDriver, EnvDBDSN, db.Driver)
	}

	port := db.Port
	if port == 0 {
		port = 5432
	}
	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}
	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}
	db.DSN = u.String()
	return nil
}
