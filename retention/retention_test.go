package retention

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/store/storetest"
)

func TestPurgeAfterComputation(t *testing.T) {
	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hours := 24

	auto := &model.RetentionPolicy{Mode: model.RetentionAutoDelete, Hours: &hours}
	got := PurgeAfter(auto, completed)
	require.NotNil(t, got)
	assert.Equal(t, completed.Add(24*time.Hour), *got)
	assert.True(t, got.After(completed), "purge_after is strictly after completion")

	none := &model.RetentionPolicy{Mode: model.RetentionNone}
	got = PurgeAfter(none, completed)
	require.NotNil(t, got)
	assert.Equal(t, completed, *got, "none purges on the next sweep")

	keep := &model.RetentionPolicy{Mode: model.RetentionKeep}
	assert.Nil(t, PurgeAfter(keep, completed))
	assert.Nil(t, PurgeAfter(nil, completed))
}

func TestRealtimePurgeAfter(t *testing.T) {
	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hours := 48
	rtHours := 2

	inherit := &model.RetentionPolicy{
		Mode: model.RetentionAutoDelete, Hours: &hours,
		RealtimeMode: model.RealtimeInherit,
	}
	got := RealtimePurgeAfter(inherit, completed)
	require.NotNil(t, got)
	assert.Equal(t, completed.Add(48*time.Hour), *got)

	override := &model.RetentionPolicy{
		Mode: model.RetentionKeep,
		RealtimeMode: model.RealtimeAutoDelete, RealtimeHours: &rtHours,
	}
	got = RealtimePurgeAfter(override, completed)
	require.NotNil(t, got)
	assert.Equal(t, completed.Add(2*time.Hour), *got)

	rtKeep := &model.RetentionPolicy{
		Mode: model.RetentionNone, RealtimeMode: model.RealtimeKeep,
	}
	assert.Nil(t, RealtimePurgeAfter(rtKeep, completed))
}

func TestCreatePolicyValidation(t *testing.T) {
	svc := NewService(storetest.New())
	ctx := context.Background()
	tenant := uuid.New()

	err := svc.CreatePolicy(ctx, &model.RetentionPolicy{
		TenantID: &tenant, Name: "bad", Mode: model.RetentionAutoDelete,
	})
	assert.ErrorIs(t, err, ErrInvalidPolicy, "auto_delete without hours")

	zero := 0
	err = svc.CreatePolicy(ctx, &model.RetentionPolicy{
		TenantID: &tenant, Name: "bad", Mode: model.RetentionAutoDelete, Hours: &zero,
	})
	assert.ErrorIs(t, err, ErrInvalidPolicy, "hours below 1")

	hours := 12
	err = svc.CreatePolicy(ctx, &model.RetentionPolicy{
		TenantID: &tenant, Name: "bad", Mode: model.RetentionKeep, Hours: &hours,
	})
	assert.ErrorIs(t, err, ErrInvalidPolicy, "keep with hours")

	err = svc.CreatePolicy(ctx, &model.RetentionPolicy{
		TenantID: &tenant, Name: "short", Mode: model.RetentionAutoDelete, Hours: &hours,
	})
	require.NoError(t, err)

	err = svc.CreatePolicy(ctx, &model.RetentionPolicy{
		TenantID: &tenant, Name: "short", Mode: model.RetentionAutoDelete, Hours: &hours,
	})
	assert.ErrorIs(t, err, store.ErrConflict, "duplicate name")
}

func TestResolveFallsBackToSystemDefault(t *testing.T) {
	st := storetest.New()
	svc := NewService(st)
	ctx := context.Background()
	tenant := uuid.New()

	p, err := svc.Resolve(ctx, tenant, "")
	require.NoError(t, err)
	assert.Equal(t, SystemPolicyDefault, p.ID)

	p, err = svc.Resolve(ctx, tenant, "zero-retention")
	require.NoError(t, err)
	assert.Equal(t, SystemPolicyZeroRetention, p.ID)

	_, err = svc.Resolve(ctx, tenant, "no-such-policy")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeletePolicyGuards(t *testing.T) {
	st := storetest.New()
	svc := NewService(st)
	ctx := context.Background()
	tenant := uuid.New()

	err := svc.DeletePolicy(ctx, tenant, SystemPolicyKeep)
	assert.ErrorIs(t, err, ErrSystemPolicy)

	hours := 12
	policy := &model.RetentionPolicy{
		TenantID: &tenant, Name: "mine", Mode: model.RetentionAutoDelete, Hours: &hours,
	}
	require.NoError(t, svc.CreatePolicy(ctx, policy))

	// Reference the policy from a job: deletion must be refused.
	require.NoError(t, st.Jobs().Create(ctx, &model.Job{
		TenantID: tenant, AudioURI: "s3://b/a.wav", RetentionPolicyID: &policy.ID,
	}))
	err = svc.DeletePolicy(ctx, tenant, policy.ID)
	assert.ErrorIs(t, err, ErrPolicyInUse)

	// Another tenant cannot see or delete it.
	err = svc.DeletePolicy(ctx, uuid.New(), policy.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
