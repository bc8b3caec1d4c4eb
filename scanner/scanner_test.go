package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dalston.dev/dalston/events"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/queue"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/store/storetest"
	"dalston.dev/dalston/telemetry"
)

type waitEnabled bool

func (w waitEnabled) EngineWaitEnabled(context.Context) bool { return bool(w) }

func storeTaskDone() store.TaskUpdate {
	now := time.Now().UTC()
	return store.TaskUpdate{CompletedAt: &now}
}

func storeTaskNone() store.TaskUpdate { return store.TaskUpdate{} }

type fixture struct {
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	q       *queue.Queue
	st      *storetest.Memory
	bus     *events.Bus
	scanner *Scanner
	now     time.Time
}

func newFixture(t *testing.T, wait bool) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		mr:  mr,
		rdb: rdb,
		q:   queue.New(rdb),
		st:  storetest.New(),
		bus: events.NewBus(rdb, telemetry.NewNoopLogger()),
		now: time.Now().UTC(),
	}
	f.scanner = New(f.q, f.st, f.bus, waitEnabled(wait),
		WithInstanceID("test:1"),
		WithClock(func() time.Time { return f.now }))
	return f
}

// seedRunningTask creates a job+task pair in the store and a claimed queue
// delivery for it.
func (f *fixture) seedRunningTask(t *testing.T, stage, consumer string, timeout time.Duration) *model.Task {
	t.Helper()
	ctx := context.Background()

	job := &model.Job{TenantID: model.DefaultTenantID, Status: model.JobRunning, AudioURI: "s3://b/a.wav"}
	require.NoError(t, f.st.Jobs().Create(ctx, job))

	task := model.Task{
		JobID: job.ID, Stage: stage, EngineID: stage,
		Status: model.TaskRunning, Required: true, MaxRetries: model.DefaultMaxRetries,
	}
	require.NoError(t, f.st.Tasks().CreateBatch(ctx, []model.Task{task}))
	tasks, err := f.st.Tasks().ListByJob(ctx, job.ID)
	require.NoError(t, err)
	created := tasks[0]

	_, err = f.q.Publish(ctx, stage, created.ID.String(), job.ID.String(), timeout)
	require.NoError(t, err)
	msg, err := f.q.ClaimNext(ctx, stage, consumer, 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return &created
}

func TestSweepFailsTaskOfDeadEngine(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	task := f.seedRunningTask(t, "transcribe", "engine-dead", time.Hour)

	// No heartbeat for engine-dead; make the delivery stale.
	f.mr.SetTime(f.now.Add(15 * time.Minute))
	f.now = f.now.Add(15 * time.Minute)

	require.NoError(t, f.scanner.Sweep(ctx))

	got, err := f.st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "stopped heartbeating")

	pending, err := f.q.Pending(ctx, "transcribe")
	require.NoError(t, err)
	assert.Empty(t, pending, "failed delivery is acked")

	// A second sweep is a no-op.
	require.NoError(t, f.scanner.Sweep(ctx))
	got, err = f.st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
}

func TestSweepFailsTimedOutTaskOfLiveEngine(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	task := f.seedRunningTask(t, "align", "engine-live", time.Minute)
	require.NoError(t, f.q.RegisterEngineHeartbeat(ctx, "engine-live", "ready", f.now.Add(15*time.Minute)))

	f.mr.SetTime(f.now.Add(15 * time.Minute))
	f.now = f.now.Add(15 * time.Minute)

	require.NoError(t, f.scanner.Sweep(ctx))

	got, err := f.st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "timeout")
}

func TestSweepLeavesFreshAndHealthyAlone(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// Live engine, generous timeout, recent delivery: not stale yet.
	task := f.seedRunningTask(t, "merge", "engine-live", time.Hour)
	require.NoError(t, f.q.RegisterEngineHeartbeat(ctx, "engine-live", "ready", f.now))

	require.NoError(t, f.scanner.Sweep(ctx))

	got, err := f.st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
}

func TestSweepSkipsNonRunningTasks(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	task := f.seedRunningTask(t, "diarize", "engine-dead", time.Minute)
	// The engine finished racing the scanner: task already completed.
	_, err := f.st.Tasks().UpdateStatus(ctx, task.ID,
		[]model.TaskStatus{model.TaskRunning}, model.TaskCompleted, storeTaskDone())
	require.NoError(t, err)

	f.mr.SetTime(f.now.Add(15 * time.Minute))
	f.now = f.now.Add(15 * time.Minute)

	require.NoError(t, f.scanner.Sweep(ctx))

	got, err := f.st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status, "terminal status never regresses")
}

func TestWaitTimeoutSweep(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	job := &model.Job{TenantID: model.DefaultTenantID, Status: model.JobRunning, AudioURI: "s3://b/a.wav"}
	require.NoError(t, f.st.Jobs().Create(ctx, job))
	task := model.Task{
		JobID: job.ID, Stage: "transcribe", EngineID: "transcribe",
		Status: model.TaskReady, Required: true,
	}
	require.NoError(t, f.st.Tasks().CreateBatch(ctx, []model.Task{task}))
	tasks, err := f.st.Tasks().ListByJob(ctx, job.ID)
	require.NoError(t, err)
	created := tasks[0]

	msgID, err := f.q.Publish(ctx, "transcribe", created.ID.String(), job.ID.String(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.q.AddWaitMarker(ctx, queue.WaitMarker{
		TaskID:          created.ID.String(),
		EngineID:        "transcribe",
		QueueID:         "transcribe",
		StreamMessageID: msgID,
		WaitDeadlineAt:  f.now.Add(-time.Minute),
		WaitTimeout:     5 * time.Minute,
	}))

	// Subscribe before sweeping to catch the wait-timeout event.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := f.bus.Subscribe(subCtx)
	require.NoError(t, err)

	require.NoError(t, f.scanner.Sweep(ctx))

	select {
	case e := <-ch:
		assert.Equal(t, events.TaskWaitTimeout, e.Type)
		assert.Equal(t, created.ID.String(), e.TaskID)
		assert.Equal(t, "transcribe", e.EngineID)
	case <-time.After(2 * time.Second):
		t.Fatal("task.wait_timeout not published")
	}

	// Message deleted, marker cleared.
	msg, err := f.q.Message(ctx, "transcribe", msgID)
	require.NoError(t, err)
	assert.Nil(t, msg)
	waiting, err := f.q.WaitingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestWaitTimeoutLeavesClaimedMessageAlone(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	task := f.seedRunningTask(t, "transcribe", "engine-a", time.Hour)
	// Revert the store status to ready to simulate the park, but the
	// message is already claimed into a PEL.
	_, err := f.st.Tasks().UpdateStatus(ctx, task.ID,
		[]model.TaskStatus{model.TaskRunning}, model.TaskReady, storeTaskNone())
	require.NoError(t, err)

	pending, err := f.q.Pending(ctx, "transcribe")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, f.q.AddWaitMarker(ctx, queue.WaitMarker{
		TaskID:          task.ID.String(),
		EngineID:        "transcribe",
		QueueID:         "transcribe",
		StreamMessageID: pending[0].MessageID,
		WaitDeadlineAt:  f.now.Add(-time.Minute),
		WaitTimeout:     5 * time.Minute,
	}))

	require.NoError(t, f.scanner.Sweep(ctx))

	got, err := f.st.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, got.Status, "claimed task is left to the stale path")

	waiting, err := f.q.WaitingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting, "marker cleared without failing the task")
}

func TestWaitSweepDisabledByPolicy(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.q.AddWaitMarker(ctx, queue.WaitMarker{
		TaskID:         uuid.NewString(),
		EngineID:       "transcribe",
		WaitDeadlineAt: f.now.Add(-time.Minute),
	}))

	require.NoError(t, f.scanner.Sweep(ctx))

	waiting, err := f.q.WaitingTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 1, "fail-fast mode never touches the waiting set")
}

func TestOnlyLeaderSweeps(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	other := queue.NewLeaderLockFor(f.q, "other:99")
	acquired, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	lock := queue.NewLeaderLockFor(f.q, "test:1")
	acquired, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired, "non-leader instance must not sweep")
}
