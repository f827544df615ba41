package billingevents

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixell/agent-billing/pkg/db/dbtest"
	"github.com/pixell/agent-billing/pkg/enums"
	pkgerrors "github.com/pixell/agent-billing/pkg/errors"
)

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(NewRepository(dbtest.Open(t)), nil)
	require.NoError(t, err)
	return svc
}

func validInput(orgID uuid.UUID) Input {
	return Input{
		OrgID:      orgID,
		UserID:     "user-1",
		ActionType: "research",
		Source:     enums.DetectionSourceAgent,
		Confidence: decimal.RequireFromString("0.85"),
		Metadata:   map[string]string{"run": "abc"},
	}
}

func TestRecordValidatesInput(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	orgID := uuid.New()

	cases := map[string]func(*Input){
		"missing org":      func(in *Input) { in.OrgID = uuid.Nil },
		"missing action":   func(in *Input) { in.ActionType = " " },
		"bad source":       func(in *Input) { in.Source = "guess" },
		"confidence above": func(in *Input) { in.Confidence = decimal.NewFromFloat(1.5) },
		"confidence below": func(in *Input) { in.Confidence = decimal.NewFromInt(-1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput(orgID)
			mutate(&in)
			_, err := svc.Record(ctx, nil, in)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
}

func TestAuditLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	orgID := uuid.New()

	first, err := svc.Record(ctx, nil, validInput(orgID))
	require.NoError(t, err)
	_, err = svc.Record(ctx, nil, validInput(orgID))
	require.NoError(t, err)
	_, err = svc.Record(ctx, nil, validInput(uuid.New()))
	require.NoError(t, err)

	pending, err := svc.ListPending(ctx, orgID, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "abc", pending[0].Metadata["run"])
	assert.True(t, pending[0].Confidence.Equal(decimal.RequireFromString("0.85")))

	updated, err := svc.SetAuditStatus(ctx, first.ID, enums.AuditStatusFlagged, "duplicate claim")
	require.NoError(t, err)
	assert.Equal(t, enums.AuditStatusFlagged, updated.AuditStatus)
	require.NotNil(t, updated.AuditNotes)
	assert.Equal(t, "duplicate claim", *updated.AuditNotes)
	assert.NotNil(t, updated.AuditedAt)

	_, err = svc.SetAuditStatus(ctx, first.ID, enums.AuditStatusApproved, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "got %v", err)

	_, err = svc.SetAuditStatus(ctx, first.ID, enums.AuditStatusPending, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = svc.SetAuditStatus(ctx, uuid.New(), enums.AuditStatusApproved, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	pending, err = svc.ListPending(ctx, orgID, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
