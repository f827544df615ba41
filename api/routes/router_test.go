package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell/agent-billing/api/middleware"
	"github.com/pixell/agent-billing/internal/credits"
	"github.com/pixell/agent-billing/internal/quota"
	"github.com/pixell/agent-billing/pkg/auth"
	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/enums"
	"github.com/pixell/agent-billing/pkg/metrics"
	"github.com/pixell/agent-billing/pkg/redis"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type stubQuotaService struct {
	calls int
}

func (s *stubQuotaService) CheckQuota(context.Context, uuid.UUID, enums.FeatureType) (*quota.QuotaCheck, error) {
	s.calls++
	return &quota.QuotaCheck{Allowed: true, Limit: 5, Remaining: 5}, nil
}

func (s *stubQuotaService) IncrementUsage(context.Context, quota.IncrementInput) (*quota.IncrementResult, error) {
	s.calls++
	return &quota.IncrementResult{Success: true, NewUsage: int64(s.calls)}, nil
}

type stubCreditService struct{}

func (stubCreditService) CheckCredits(context.Context, uuid.UUID, enums.CreditTier) (*credits.CreditCheck, error) {
	return &credits.CreditCheck{Allowed: true, Cost: 1}, nil
}

func (stubCreditService) DeductCredits(context.Context, uuid.UUID, string, enums.CreditTier) (*credits.DeductResult, error) {
	return &credits.DeductResult{Success: true}, nil
}

func (stubCreditService) GetAutoTopUp(context.Context, uuid.UUID) (*credits.AutoTopUpSettings, error) {
	return &credits.AutoTopUpSettings{Enabled: true, Threshold: 10, Amount: 100}, nil
}

func (stubCreditService) UpdateAutoTopUp(_ context.Context, _ uuid.UUID, settings credits.AutoTopUpSettings) (*credits.AutoTopUpSettings, error) {
	return &settings, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App:         config.AppConfig{Env: "test", CORSOrigins: []string{"http://localhost:3000"}},
		JWT:         config.JWTConfig{Secret: "secret", Issuer: "issuer", ExpirationMinutes: 60},
		ServiceAuth: config.ServiceAuthConfig{Secret: "svc-secret", Issuer: "pixell-internal", Audience: "billing", TTL: time.Hour},
		Billing:     config.BillingConfig{RequestIdempotencyTTL: time.Hour},
	}
}

type routerFixture struct {
	cfg    *config.Config
	router http.Handler
	quotas *stubQuotaService
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })

	reg := prometheus.NewRegistry()
	billingMetrics := metrics.NewBillingMetrics(reg)
	billingMetrics.QuotaDecision("research", metrics.OutcomeAllowed)

	cfg := testConfig()
	quotas := &stubQuotaService{}
	router := NewRouter(cfg, nil, stubPinger{}, redis.NewFromClient(raw), reg, Services{
		Quotas:      quotas,
		Credits:     stubCreditService{},
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
	})
	return &routerFixture{cfg: cfg, router: router, quotas: quotas}
}

func (f *routerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *routerFixture) serviceToken(t *testing.T) string {
	t.Helper()
	token, err := auth.MintServiceToken(f.cfg.ServiceAuth, time.Now(), "agent-runtime")
	require.NoError(t, err)
	return token
}

func (f *routerFixture) userToken(t *testing.T, role enums.MemberRole) string {
	t.Helper()
	token, err := auth.MintAccessToken(f.cfg.JWT, time.Now(), auth.AccessTokenPayload{
		UserID: uuid.New(),
		OrgID:  uuid.New(),
		Role:   role,
		JTI:    uuid.NewString(),
	})
	require.NoError(t, err)
	return token
}

func TestHealthRoutes(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", rec.Header().Get("X-Pixell-Env"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
}

func TestMetricsRoute(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "billing_quota_decisions_total")
}

func TestRequestIDAndRouteMetrics(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-Id", "trace-abc123")
	rec := f.do(req)
	assert.Equal(t, "trace-abc123", rec.Header().Get("X-Request-Id"))

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-Id", "has spaces")
	rec = f.do(req)
	minted := rec.Header().Get("X-Request-Id")
	_, err := uuid.Parse(minted)
	assert.NoError(t, err, "unprintable ids are replaced")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `billing_http_requests_total{code="200",method="GET",route="/health/live"} 2`)
}

func TestBillingRoutesRequireServiceToken(t *testing.T) {
	f := newRouterFixture(t)
	body := `{"orgId":"` + uuid.NewString() + `","featureType":"research"}`

	rec := f.do(httptest.NewRequest(http.MethodPost, "/billing/quotas/check", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/billing/quotas/check", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.userToken(t, enums.MemberRoleOwner))
	rec = f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/billing/quotas/check", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.serviceToken(t))
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, f.quotas.calls)
}

func TestIncrementReplaysIdempotentRequest(t *testing.T) {
	f := newRouterFixture(t)
	body := `{"orgId":"` + uuid.NewString() + `","userId":"user-1","featureType":"research"}`
	token := f.serviceToken(t)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/billing/quotas/increment", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "inc-1")
		return f.do(req)
	}

	first := send()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(middleware.ReplayedHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, f.quotas.calls)
}

func TestPurchaseRouteIsGone(t *testing.T) {
	f := newRouterFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/billing/credits/purchase", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+f.serviceToken(t))
	rec := f.do(req)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestAutoTopUpRequiresBillingRole(t *testing.T) {
	f := newRouterFixture(t)
	cases := []struct {
		name   string
		token  func() string
		status int
	}{
		{"no token", func() string { return "" }, http.StatusUnauthorized},
		{"service token", func() string { return f.serviceToken(t) }, http.StatusUnauthorized},
		{"member", func() string { return f.userToken(t, enums.MemberRoleMember) }, http.StatusForbidden},
		{"admin", func() string { return f.userToken(t, enums.MemberRoleAdmin) }, http.StatusOK},
		{"owner", func() string { return f.userToken(t, enums.MemberRoleOwner) }, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/billing/auto-topup", nil)
			if token := tc.token(); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			rec := f.do(req)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestStripeWebhookWithoutVerifierFails(t *testing.T) {
	f := newRouterFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := f.do(req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
