package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/internal/billing"
	"github.com/pixell/agent-billing/internal/billingevents"
	"github.com/pixell/agent-billing/pkg/db/dbtest"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
)

type fixture struct {
	conn    *gorm.DB
	manager *Manager
	orgID   uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	client := dbtest.Client(t)
	repo := billing.NewRepository(client.DB())
	svc, err := billing.NewService(billing.ServiceParams{Repo: repo, DB: client})
	require.NoError(t, err)
	org, err := svc.CreateOrganization(context.Background(), "Acme")
	require.NoError(t, err)

	events, err := billingevents.NewService(billingevents.NewRepository(client.DB()), nil)
	require.NoError(t, err)
	manager, err := NewManager(ManagerParams{DB: client, Repo: repo, Events: events})
	require.NoError(t, err)
	return fixture{conn: client.DB(), manager: manager, orgID: org.ID}
}

func (f fixture) setQuota(t *testing.T, feature enums.FeatureType, limit, used int64) {
	t.Helper()
	require.NoError(t, f.conn.Model(&models.FeatureQuota{}).
		Where("org_id = ? AND feature_type = ?", f.orgID, feature).
		Updates(map[string]any{"quota_limit": limit, "used": used}).Error)
}

func TestCheckQuotaAllowedIffUsedBelowLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		limit, used int64
		allowed     bool
		remaining   int64
	}{
		{limit: 10, used: 0, allowed: true, remaining: 10},
		{limit: 10, used: 9, allowed: true, remaining: 1},
		{limit: 10, used: 10, allowed: false, remaining: 0},
		{limit: 10, used: 12, allowed: false, remaining: 0},
		{limit: 0, used: 0, allowed: false, remaining: 0},
	}
	for _, tc := range cases {
		f.setQuota(t, enums.FeatureIdeation, tc.limit, tc.used)
		check, err := f.manager.CheckQuota(ctx, f.orgID, enums.FeatureIdeation)
		require.NoError(t, err)
		assert.Equal(t, tc.allowed, check.Allowed, "limit=%d used=%d", tc.limit, tc.used)
		assert.Equal(t, tc.remaining, check.Remaining)
		if !tc.allowed {
			assert.Equal(t, ReasonExhausted, check.Reason)
		}
	}
}

func TestCheckQuotaWithoutRowFailsClosed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Where("org_id = ? AND feature_type = ?", f.orgID, enums.FeatureResearch).
		Delete(&models.FeatureQuota{}).Error)

	check, err := f.manager.CheckQuota(context.Background(), f.orgID, enums.FeatureResearch)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, ReasonNotConfigured, check.Reason)

	check, err = f.manager.CheckQuota(context.Background(), uuid.New(), enums.FeatureResearch)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
}

func TestCheckQuotaRejectsUnknownFeature(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.CheckQuota(context.Background(), f.orgID, "teleport")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestIncrementUsageRecordsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setQuota(t, enums.FeatureResearch, 5, 1)

	res, err := f.manager.IncrementUsage(ctx, IncrementInput{
		OrgID:    f.orgID,
		UserID:   "user-1",
		Feature:  enums.FeatureResearch,
		Quantity: 2,
		Metadata: map[string]string{"actionKey": "run-42"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.EqualValues(t, 3, res.NewUsage)
	assert.NotEqual(t, uuid.Nil, res.UsageEventID)

	var usage models.UsageEvent
	require.NoError(t, f.conn.Where("id = ?", res.UsageEventID).First(&usage).Error)
	assert.EqualValues(t, 2, usage.Quantity)

	var audit models.BillingEvent
	require.NoError(t, f.conn.Where("org_id = ?", f.orgID).First(&audit).Error)
	assert.Equal(t, enums.DetectionSourceAPI, audit.DetectionSource)
	require.NotNil(t, audit.ActionKey)
	assert.Equal(t, "run-42", *audit.ActionKey)
}

func TestIncrementUsageDeniedHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setQuota(t, enums.FeatureResearch, 5, 4)

	res, err := f.manager.IncrementUsage(ctx, IncrementInput{
		OrgID:    f.orgID,
		UserID:   "user-1",
		Feature:  enums.FeatureResearch,
		Quantity: 2,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonExhausted, res.Error)
	assert.EqualValues(t, 4, res.NewUsage)

	var usageCount, auditCount int64
	require.NoError(t, f.conn.Model(&models.UsageEvent{}).Count(&usageCount).Error)
	require.NoError(t, f.conn.Model(&models.BillingEvent{}).Count(&auditCount).Error)
	assert.Zero(t, usageCount)
	assert.Zero(t, auditCount)
}

func TestIncrementUsageValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.IncrementUsage(context.Background(), IncrementInput{
		OrgID:    f.orgID,
		UserID:   "user-1",
		Feature:  enums.FeatureResearch,
		Quantity: 0,
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

// The SQLite test pool has a single connection, so these transactions run one
// at a time. The test pins the success count under parallel callers; the
// atomic guard itself is the conditional UPDATE asserted in
// internal/billing/repo_sqlmock_test.go and repo_test.go.
func TestConcurrentIncrementsNeverOvershoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const (
		attempts = 12
		headroom = 4
	)
	f.setQuota(t, enums.FeatureAutoPosting, 10, 10-headroom)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.manager.IncrementUsage(ctx, IncrementInput{
				OrgID:    f.orgID,
				UserID:   "user-1",
				Feature:  enums.FeatureAutoPosting,
				Quantity: 1,
			})
			if err != nil {
				t.Errorf("increment: %v", err)
				return
			}
			if res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, headroom, successes)
	var row models.FeatureQuota
	require.NoError(t, f.conn.Where("org_id = ? AND feature_type = ?", f.orgID, enums.FeatureAutoPosting).First(&row).Error)
	assert.EqualValues(t, 10, row.Used)
}
