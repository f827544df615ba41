package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
)

func TestGetSubscriptionUnknownOrg(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetSubscription(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = svc.GetSubscription(context.Background(), uuid.Nil)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestGetSubscriptionWithoutProviderRows(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	org, err := svc.CreateOrganization(ctx, "Acme")
	require.NoError(t, err)

	view, err := svc.GetSubscription(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, org.ID, view.Organization.ID)
	assert.Nil(t, view.Subscription)
	require.NotNil(t, view.CreditBalance)
	assert.NotEmpty(t, view.Quotas)
}

func TestCreateOrganizationRequiresName(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateOrganization(context.Background(), "  ")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
