package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/logger"
)

// Environments.
const (
	EnvTest = "test"
	EnvLive = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", EnvTest, EnvLive)
)

// keyPrefixes lists the secret and restricted key prefixes accepted per
// environment.
var keyPrefixes = map[string][]string{
	EnvTest: {"sk_test_", "rk_test_"},
	EnvLive: {"sk_live_", "rk_live_"},
}

// Client carries the Stripe API client and the webhook signing secret. It
// never touches the package-level stripe.Key.
type Client struct {
	api         *stripe.Client
	environment string
	verifier    Verifier
}

// NewClient validates cfg and builds a Stripe client whose HTTP backend has
// bounded retries and timeouts and logs through logg.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env := cfg.Environment()
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return nil, errInvalidStripeEnv
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	if !hasAnyPrefix(apiKey, prefixes) {
		return nil, fmt.Errorf("stripe %s environment needs a key starting with %s", env, strings.Join(prefixes, " or "))
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errSecretRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     leveledLogger{ctx: ctx, logg: logg},
	})

	logg.Info(logg.WithFields(ctx, map[string]any{
		"stripe_env":     env,
		"stripe_retries": cfg.MaxNetworkRetries,
		"stripe_timeout": timeout.String(),
	}), "stripe client initialized")

	return &Client{
		api:         stripe.NewClient(apiKey, stripe.WithBackends(backends)),
		environment: env,
		verifier:    Verifier{Secret: secret, Tolerance: cfg.WebhookTolerance},
	}, nil
}

// API returns the Stripe API client, or nil on a nil receiver.
func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// ConstructEvent verifies a webhook delivery with the configured secret.
func (c *Client) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if c == nil {
		return stripe.Event{}, errSecretRequired
	}
	return c.verifier.ConstructEvent(payload, signatureHeader)
}

// Verifier checks Stripe-Signature headers. A zero Tolerance uses the SDK
// default of five minutes.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
}

// ConstructEvent verifies the signature and decodes the event envelope.
// Event objects are decoded later into versioned DTOs, so an account API
// version newer than the SDK's is accepted.
func (v Verifier) ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return stripe.Event{}, errSecretRequired
	}
	return webhook.ConstructEventWithOptions(payload, signatureHeader, v.Secret, webhook.ConstructEventOptions{
		Tolerance:                v.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
}

// VerifyEvent verifies a delivery against secret with the default tolerance.
func VerifyEvent(payload []byte, signatureHeader, secret string) (stripe.Event, error) {
	return Verifier{Secret: secret}.ConstructEvent(payload, signatureHeader)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// leveledLogger adapts the service logger to the SDK's logging interface.
// SDK info chatter is demoted to debug.
type leveledLogger struct {
	ctx  context.Context
	logg *logger.Logger
}

func (l leveledLogger) Debugf(format string, v ...any) {
	l.logg.Debug(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
}

func (l leveledLogger) Infof(format string, v ...any) {
	l.logg.Debug(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
}

func (l leveledLogger) Warnf(format string, v ...any) {
	l.logg.Warn(l.ctx, "stripe: "+fmt.Sprintf(format, v...))
}

func (l leveledLogger) Errorf(format string, v ...any) {
	l.logg.Error(l.ctx, "stripe request failed", fmt.Errorf(format, v...))
}
