package config

const (
	EnvPrefix = "PIXELL"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "PIXELL_APP_ENV"
	EnvPort     = "PIXELL_APP_PORT"
	EnvLogLevel = "PIXELL_LOG_LEVEL"

	EnvDBDSN    = "PIXELL_DB_DSN"
	EnvDBDriver = "PIXELL_DB_DRIVER"
	EnvDBHost   = "PIXELL_DB_HOST"
	EnvDBPort   = "PIXELL_DB_PORT"
	EnvDBUser   = "PIXELL_DB_USER"
	EnvDBPass   = "PIXELL_DB_PASSWORD"
	EnvDBName   = "PIXELL_DB_NAME"

	EnvRedisURL = "PIXELL_REDIS_URL"

	EnvJWTSecret          = "PIXELL_JWT_SECRET"
	EnvServiceTokenSecret = "PIXELL_SERVICE_TOKEN_SECRET"

	EnvStripeAPIKey         = "PIXELL_STRIPE_API_KEY"
	EnvStripeWebhookSecret  = "PIXELL_STRIPE_WEBHOOK_SECRET"
	EnvStripeEnv            = "PIXELL_STRIPE_ENV"
	EnvStripePriceTiers     = "PIXELL_STRIPE_PRICE_TIERS"
	EnvStripeTopUpUnitPrice = "PIXELL_STRIPE_TOPUP_UNIT_PRICE"

	EnvCronReconcileSchedule = "PIXELL_CRON_RECONCILE_SCHEDULE"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
