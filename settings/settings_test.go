package settings

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
	"dalston.dev/dalston/telemetry"
)

func newService(t *testing.T) (*Service, *storetest.Memory) {
	t.Helper()
	st := storetest.New()
	svc, err := NewService(context.Background(), st, nil, telemetry.NewNoopLogger())
	require.NoError(t, err)
	return svc, st
}

func TestResolutionOrder(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	tenant := uuid.New()

	// Code default.
	v, err := svc.Get(ctx, tenant, NamespaceOrchestrator, KeyEngineUnavailableBehavior)
	require.NoError(t, err)
	assert.Equal(t, "fail_fast", v)

	// Env default beats code default.
	t.Setenv("DALSTON_ENGINE_UNAVAILABLE_BEHAVIOR", "wait")
	v, err = svc.Get(ctx, tenant, NamespaceOrchestrator, KeyEngineUnavailableBehavior)
	require.NoError(t, err)
	assert.Equal(t, "wait", v)

	// System override beats env.
	require.NoError(t, svc.Update(ctx, nil, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "fail_fast"))
	v, err = svc.Get(ctx, tenant, NamespaceOrchestrator, KeyEngineUnavailableBehavior)
	require.NoError(t, err)
	assert.Equal(t, "fail_fast", v)

	// Tenant override beats system.
	require.NoError(t, svc.Update(ctx, &tenant, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "wait"))
	v, err = svc.Get(ctx, tenant, NamespaceOrchestrator, KeyEngineUnavailableBehavior)
	require.NoError(t, err)
	assert.Equal(t, "wait", v)

	// Other tenants still see the system override.
	v, err = svc.Get(ctx, uuid.New(), NamespaceOrchestrator, KeyEngineUnavailableBehavior)
	require.NoError(t, err)
	assert.Equal(t, "fail_fast", v)
}

func TestUpdateValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	err := svc.Update(ctx, nil, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "sometimes")
	assert.Error(t, err)

	err = svc.Update(ctx, nil, NamespaceRetention, KeyCleanupBatchSize, "-5")
	assert.Error(t, err)

	err = svc.Update(ctx, nil, "nonsense", "key", "v")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Get(ctx, model.DefaultTenantID, "nonsense", "key")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWriterInvalidatesOwnCache(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	v, err := svc.GetInt(ctx, model.DefaultTenantID, NamespaceRetention, KeyCleanupBatchSize)
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	// The read above primed the cache; the write must bust it immediately,
	// not after the TTL.
	require.NoError(t, svc.Update(ctx, nil, NamespaceRetention, KeyCleanupBatchSize, "25"))
	v, err = svc.GetInt(ctx, model.DefaultTenantID, NamespaceRetention, KeyCleanupBatchSize)
	require.NoError(t, err)
	assert.Equal(t, 25, v)

	require.NoError(t, svc.Reset(ctx, nil, NamespaceRetention, KeyCleanupBatchSize))
	v, err = svc.GetInt(ctx, model.DefaultTenantID, NamespaceRetention, KeyCleanupBatchSize)
	require.NoError(t, err)
	assert.Equal(t, 100, v)
}

func TestPolicyAccessors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	assert.Equal(t, "fail_fast", svc.EngineUnavailableBehavior(ctx))
	assert.False(t, svc.EngineWaitEnabled(ctx))
	assert.Equal(t, 5*time.Minute, svc.EngineWaitTimeout(ctx))

	require.NoError(t, svc.Update(ctx, nil, NamespaceOrchestrator, KeyEngineUnavailableBehavior, "wait"))
	require.NoError(t, svc.Update(ctx, nil, NamespaceOrchestrator, KeyEngineWaitTimeoutSeconds, "120"))
	assert.True(t, svc.EngineWaitEnabled(ctx))
	assert.Equal(t, 2*time.Minute, svc.EngineWaitTimeout(ctx))
}
