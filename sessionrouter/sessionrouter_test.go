package sessionrouter

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dalston.dev/dalston/events"
	"dalston.dev/dalston/telemetry"
)

func newFixture(t *testing.T) (*redis.Client, *Registry, *Allocator) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	registry := NewRegistry(rdb)
	allocator := NewAllocator(rdb, registry, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	return rdb, registry, allocator
}

func registerWorker(t *testing.T, registry *Registry, id string, capacity int, status string, models, languages []string) {
	t.Helper()
	require.NoError(t, registry.RegisterWorker(context.Background(), WorkerState{
		WorkerID:           id,
		Endpoint:           "ws://" + id + ":9000",
		Status:             status,
		Capacity:           capacity,
		ModelsLoaded:       models,
		LanguagesSupported: languages,
		Engine:             "whisper",
		LastHeartbeat:      time.Now().UTC(),
		StartedAt:          time.Now().UTC(),
	}))
}

func TestAvailabilityPredicate(t *testing.T) {
	w := WorkerState{
		Status: WorkerReady, Capacity: 2, ActiveSessions: 0,
		ModelsLoaded: []string{"fast"}, LanguagesSupported: []string{"en", "de"},
	}
	assert.True(t, w.Available("", "auto"), "nil model and auto language match")
	assert.True(t, w.Available("fast", "en"))
	assert.False(t, w.Available("accurate", "en"), "model not loaded")
	assert.False(t, w.Available("fast", "fr"), "language unsupported")

	w.LanguagesSupported = []string{"auto"}
	assert.True(t, w.Available("fast", "fr"), "worker advertising auto serves any language")

	w.ActiveSessions = 2
	assert.False(t, w.Available("", "auto"), "no free capacity")

	w.ActiveSessions = 0
	w.Status = WorkerDraining
	assert.False(t, w.Available("", "auto"), "draining workers take no new sessions")
	w.Status = WorkerBusy
	assert.True(t, w.Available("", "auto"), "busy workers still accept while under capacity")
}

func TestAcquirePrefersLeastLoaded(t *testing.T) {
	_, registry, allocator := newFixture(t)
	ctx := context.Background()

	registerWorker(t, registry, "worker-a", 4, WorkerReady, []string{"fast"}, []string{"auto"})
	registerWorker(t, registry, "worker-b", 2, WorkerReady, []string{"fast"}, []string{"auto"})

	alloc, err := allocator.Acquire(ctx, "en", "fast", "10.0.0.1", false)
	require.NoError(t, err)
	require.NotNil(t, alloc)
	assert.Equal(t, "worker-a", alloc.WorkerID, "most free capacity wins")
	assert.True(t, strings.HasPrefix(alloc.SessionID, "sess_"))
	assert.Len(t, alloc.SessionID, len("sess_")+16)

	// Session record and indexes exist.
	state, err := allocator.Session(ctx, alloc.SessionID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "worker-a", state.WorkerID)
	assert.Equal(t, "active", state.Status)

	w, err := registry.Worker(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 1, w.ActiveSessions)
}

func TestAcquireExhaustsCapacity(t *testing.T) {
	_, registry, allocator := newFixture(t)
	ctx := context.Background()

	registerWorker(t, registry, "worker-a", 2, WorkerReady, []string{"fast"}, []string{"auto"})

	var allocations []*Allocation
	for i := 0; i < 3; i++ {
		alloc, err := allocator.Acquire(ctx, "auto", "", "10.0.0.1", false)
		require.NoError(t, err)
		if alloc != nil {
			allocations = append(allocations, alloc)
		}
	}
	assert.Len(t, allocations, 2, "min(N, C) sessions succeed")

	// Releasing restores every slot.
	for _, alloc := range allocations {
		_, err := allocator.Release(ctx, alloc.SessionID)
		require.NoError(t, err)
	}
	w, err := registry.Worker(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 0, w.ActiveSessions, "counter returns to pre-allocation value")
}

func TestAcquireNoWorkers(t *testing.T) {
	_, _, allocator := newFixture(t)
	alloc, err := allocator.Acquire(context.Background(), "en", "fast", "10.0.0.1", false)
	require.NoError(t, err)
	assert.Nil(t, alloc)
}

func TestReleaseMarksEnded(t *testing.T) {
	rdb, registry, allocator := newFixture(t)
	ctx := context.Background()

	registerWorker(t, registry, "worker-a", 1, WorkerReady, []string{"fast"}, []string{"auto"})
	alloc, err := allocator.Acquire(ctx, "en", "fast", "10.0.0.1", true)
	require.NoError(t, err)
	require.NotNil(t, alloc)

	state, err := allocator.Release(ctx, alloc.SessionID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "ended", state.Status)
	assert.True(t, state.EnhanceOnEnd)

	// Gone from both indexes.
	member, err := rdb.SIsMember(ctx, activeSessionsKey, alloc.SessionID).Result()
	require.NoError(t, err)
	assert.False(t, member)

	// Double release is harmless once the record expires; while the ended
	// record lingers, releasing again is the one hazard the caller avoids
	// by releasing only on disconnect.
	sessions, err := registry.WorkerSessions(ctx, "worker-a")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestHealthMonitorMarksStaleWorkersOffline(t *testing.T) {
	rdb, registry, allocator := newFixture(t)
	ctx := context.Background()
	bus := events.NewBus(rdb, telemetry.NewNoopLogger())

	now := time.Now().UTC()
	require.NoError(t, registry.RegisterWorker(ctx, WorkerState{
		WorkerID: "worker-stale", Status: WorkerReady, Capacity: 4,
		ModelsLoaded: []string{"fast"}, LanguagesSupported: []string{"auto"},
		LastHeartbeat: now.Add(-2 * time.Minute),
	}))
	require.NoError(t, registry.RegisterWorker(ctx, WorkerState{
		WorkerID: "worker-fresh", Status: WorkerReady, Capacity: 2,
		ModelsLoaded: []string{"fast"}, LanguagesSupported: []string{"auto"},
		LastHeartbeat: now,
	}))

	// Bind a session to the stale worker so an offline event is due.
	alloc, err := allocator.Acquire(ctx, "auto", "", "10.0.0.1", false)
	require.NoError(t, err)
	require.NotNil(t, alloc)

	monitor := NewHealthMonitor(registry, bus, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(),
		WithHealthClock(func() time.Time { return now }))
	require.NoError(t, monitor.CheckWorkers(ctx))

	stale, err := registry.Worker(ctx, "worker-stale")
	require.NoError(t, err)
	assert.Equal(t, WorkerOffline, stale.Status)

	fresh, err := registry.Worker(ctx, "worker-fresh")
	require.NoError(t, err)
	assert.Equal(t, WorkerReady, fresh.Status)

	// A second pass skips already-offline workers.
	require.NoError(t, monitor.CheckWorkers(ctx))
}

func TestReconcilerCleansOrphans(t *testing.T) {
	rdb, registry, allocator := newFixture(t)
	ctx := context.Background()

	registerWorker(t, registry, "worker-a", 4, WorkerReady, []string{"fast"}, []string{"auto"})
	alloc, err := allocator.Acquire(ctx, "auto", "", "10.0.0.1", false)
	require.NoError(t, err)
	require.NotNil(t, alloc)

	// Simulate a gateway crash: the session record expires but the indexes
	// and worker counter still reference it.
	require.NoError(t, rdb.Del(ctx, sessionKeyPrefix+alloc.SessionID).Err())

	reconciler := NewReconciler(rdb, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	cleaned, err := reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	w, err := registry.Worker(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 0, w.ActiveSessions)

	members, err := rdb.SMembers(ctx, activeSessionsKey).Result()
	require.NoError(t, err)
	assert.Empty(t, members)

	// Idempotent: nothing left to clean.
	cleaned, err = reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cleaned)
}

func TestReconcilerClampsAtZero(t *testing.T) {
	rdb, registry, _ := newFixture(t)
	ctx := context.Background()

	registerWorker(t, registry, "worker-a", 4, WorkerReady, []string{"fast"}, []string{"auto"})

	// An orphan bound to a worker whose counter is already zero.
	require.NoError(t, rdb.SAdd(ctx, workerKeyPrefix+"worker-a"+workerSessionsSuffix, "sess_dead").Err())
	require.NoError(t, rdb.SAdd(ctx, activeSessionsKey, "sess_dead").Err())

	reconciler := NewReconciler(rdb, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	cleaned, err := reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	w, err := registry.Worker(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 0, w.ActiveSessions, "counter never goes negative")
}

func TestCapacitySummary(t *testing.T) {
	rdb, registry, _ := newFixture(t)
	ctx := context.Background()
	bus := events.NewBus(rdb, telemetry.NewNoopLogger())

	registerWorker(t, registry, "worker-a", 4, WorkerReady, []string{"fast"}, []string{"auto"})
	registerWorker(t, registry, "worker-b", 2, WorkerOffline, []string{"fast"}, []string{"auto"})
	require.NoError(t, rdb.HSet(ctx, workerKeyPrefix+"worker-a", "active_sessions", strconv.Itoa(3)).Err())

	router := NewRouter(rdb, bus)
	info, err := router.Capacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, info.TotalCapacity)
	assert.Equal(t, 3, info.UsedCapacity)
	assert.Equal(t, 3, info.AvailableCapacity)
	assert.Equal(t, 2, info.WorkerCount)
	assert.Equal(t, 1, info.ReadyWorkers)
}
