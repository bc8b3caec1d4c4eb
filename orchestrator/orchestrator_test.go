package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dalston.dev/dalston/blob"
	"dalston.dev/dalston/delivery"
	"dalston.dev/dalston/events"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/queue"
	"dalston.dev/dalston/retention"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/store/storetest"
	"dalston.dev/dalston/telemetry"
)

const testBucket = "dalston-artifacts"

type fixture struct {
	t     *testing.T
	o     *Orchestrator
	st    *storetest.Memory
	q     *queue.Queue
	bus   *events.Bus
	blobs *blob.MemoryStore
	rdb   *redis.Client
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := storetest.New()
	q := queue.New(rdb)
	bus := events.NewBus(rdb, telemetry.NewNoopLogger())
	blobs := blob.NewMemoryStore()
	scheduler := delivery.NewScheduler(st, nil, "global-secret")
	policies := retention.NewService(st)

	o := New(st, q, bus, blobs, testBucket, scheduler, policies, opts...)
	return &fixture{t: t, o: o, st: st, q: q, bus: bus, blobs: blobs, rdb: rdb}
}

// registerEngines marks the named engine queues as live.
func (f *fixture) registerEngines(stages ...string) {
	f.t.Helper()
	ctx := context.Background()
	for _, stage := range stages {
		require.NoError(f.t, f.q.RegisterEngineHeartbeat(ctx, stage, "ready", time.Now().UTC()))
	}
}

func (f *fixture) createJob(params map[string]any, webhookURL string) *model.Job {
	f.t.Helper()
	job := &model.Job{
		TenantID:          model.DefaultTenantID,
		Status:            model.JobPending,
		AudioURI:          "s3://" + testBucket + "/jobs/in/audio.wav",
		Parameters:        params,
		WebhookURL:        webhookURL,
		RetentionPolicyID: &retention.SystemPolicyDefault,
	}
	require.NoError(f.t, f.st.Jobs().Create(context.Background(), job))
	f.o.Handle(context.Background(), events.Event{Type: events.JobCreated, JobID: job.ID.String()})
	return job
}

func (f *fixture) tasksByStage(jobID uuid.UUID) map[string]model.Task {
	f.t.Helper()
	tasks, err := f.st.Tasks().ListByJob(context.Background(), jobID)
	require.NoError(f.t, err)
	byStage := make(map[string]model.Task, len(tasks))
	for _, task := range tasks {
		byStage[task.Stage] = task
	}
	return byStage
}

// claimTask simulates an engine claiming a ready task, which atomically
// moves it to running.
func (f *fixture) claimTask(taskID uuid.UUID) {
	f.t.Helper()
	_, err := f.st.Tasks().UpdateStatus(context.Background(), taskID,
		[]model.TaskStatus{model.TaskReady}, model.TaskRunning, store.TaskUpdate{})
	require.NoError(f.t, err)
}

// completeTask simulates an engine finishing a task: output descriptor in
// the artifact store, then a task.completed event.
func (f *fixture) completeTask(task model.Task, output map[string]any) {
	f.t.Helper()
	ctx := context.Background()
	if output == nil {
		output = map[string]any{"ok": true}
	}
	data, err := json.Marshal(output)
	require.NoError(f.t, err)
	require.NoError(f.t, f.blobs.Put(ctx, blob.TaskOutputKey(task.JobID, task.ID), data, "application/json"))
	f.o.Handle(ctx, events.Event{Type: events.TaskCompleted, TaskID: task.ID.String(), JobID: task.JobID.String()})
}

func TestHappyPathDefaultPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerEngines("prepare", "transcribe", "align", "merge")

	job := f.createJob(nil, "https://example.com/hook")

	byStage := f.tasksByStage(job.ID)
	require.Len(t, byStage, 4)
	assert.Equal(t, model.TaskReady, byStage["prepare"].Status, "root task dispatched")
	assert.Equal(t, model.TaskPending, byStage["transcribe"].Status)
	assert.NotEmpty(t, byStage["prepare"].InputURI, "input descriptor written before ready")

	got, err := f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// Tasks complete in topological order; each completion advances the DAG.
	f.completeTask(byStage["prepare"], nil)
	byStage = f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskReady, byStage["transcribe"].Status)

	f.completeTask(byStage["transcribe"], nil)
	byStage = f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskReady, byStage["align"].Status)

	f.completeTask(byStage["align"], nil)
	byStage = f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskReady, byStage["merge"].Status)

	// The align input descriptor references the transcribe output.
	inputData, err := f.blobs.Get(ctx, blob.TaskInputKey(job.ID, byStage["align"].ID))
	require.NoError(t, err)
	var descriptor map[string]any
	require.NoError(t, json.Unmarshal(inputData, &descriptor))
	inputs := descriptor["inputs"].(map[string]any)
	assert.Contains(t, inputs, "transcribe")

	f.completeTask(byStage["merge"], map[string]any{
		"language_code":    "en",
		"duration_seconds": 12.5,
		"word_count":       42,
		"segment_count":    3,
		"character_count":  200,
		"text":             "hello world",
	})

	got, err = f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ResultLanguageCode)
	assert.Equal(t, "en", *got.ResultLanguageCode)
	require.NotNil(t, got.ResultWordCount)
	assert.Equal(t, 42, *got.ResultWordCount)
	require.NotNil(t, got.ResultSegmentCount)
	assert.Equal(t, 3, *got.ResultSegmentCount)
	assert.Nil(t, got.ResultSpeakerCount, "no speaker detection requested")
	require.NotNil(t, got.PurgeAfter)
	assert.True(t, got.PurgeAfter.After(*got.CompletedAt), "default policy purges strictly after completion")

	// Per-job webhook scheduled.
	require.Len(t, f.st.DeliveriesByID, 1)
	for _, d := range f.st.DeliveriesByID {
		assert.Equal(t, "transcription.completed", d.EventType)
		assert.Equal(t, "https://example.com/hook", d.URLOverride)
		assert.Equal(t, "hello world", d.Payload["text"])
	}
}

func TestPerChannelStereoPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerEngines("prepare", "transcribe", "merge")

	job := f.createJob(map[string]any{
		"speaker_detection":      "per_channel",
		"num_channels":           2,
		"timestamps_granularity": "segment",
	}, "")

	byStage := f.tasksByStage(job.ID)
	require.Len(t, byStage, 4)
	assert.Contains(t, byStage, "transcribe_ch0")
	assert.Contains(t, byStage, "transcribe_ch1")
	assert.NotContains(t, byStage, "align")
	assert.Equal(t, "transcribe", byStage["transcribe_ch0"].EngineID)

	f.completeTask(byStage["prepare"], nil)
	byStage = f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskReady, byStage["transcribe_ch0"].Status)
	assert.Equal(t, model.TaskReady, byStage["transcribe_ch1"].Status, "channels fan out in parallel")

	f.completeTask(byStage["transcribe_ch0"], nil)
	byStage = f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskPending, byStage["merge"].Status, "merge waits for every channel")

	f.completeTask(byStage["transcribe_ch1"], nil)
	byStage = f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskReady, byStage["merge"].Status)

	f.completeTask(byStage["merge"], map[string]any{
		"language_code": "en", "duration_seconds": 30.0,
		"word_count": 100, "segment_count": 8, "speaker_count": 2,
		"character_count": 500,
	})

	got, err := f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	require.NotNil(t, got.ResultSpeakerCount)
	assert.Equal(t, 2, *got.ResultSpeakerCount)
}

func TestRetryThenTerminalFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerEngines("prepare", "transcribe", "align", "merge")

	job := f.createJob(nil, "")
	byStage := f.tasksByStage(job.ID)
	f.completeTask(byStage["prepare"], nil)

	byStage = f.tasksByStage(job.ID)
	transcribe := byStage["transcribe"]

	// First failure retries (0 < max_retries).
	f.claimTask(transcribe.ID)
	f.o.Handle(ctx, events.Event{Type: events.TaskFailed, TaskID: transcribe.ID.String(), Error: "engine crashed", Reason: "engine_dead"})
	got, err := f.st.Tasks().Get(ctx, transcribe.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, got.Status)
	assert.Equal(t, 1, got.Retries)

	// A replayed copy of the same failure event is a no-op: the task is
	// ready again, not running.
	f.o.Handle(ctx, events.Event{Type: events.TaskFailed, TaskID: transcribe.ID.String(), Error: "engine crashed", Reason: "engine_dead"})
	got, err = f.st.Tasks().Get(ctx, transcribe.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, got.Status)
	assert.Equal(t, 1, got.Retries, "duplicate failure event does not burn a retry")

	// Second genuine failure retries again.
	f.claimTask(transcribe.ID)
	f.o.Handle(ctx, events.Event{Type: events.TaskFailed, TaskID: transcribe.ID.String(), Error: "engine crashed", Reason: "engine_dead"})
	got, err = f.st.Tasks().Get(ctx, transcribe.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, got.Status)
	assert.Equal(t, 2, got.Retries)

	// Third failure exhausts the budget: task fails, job fails, outstanding
	// work is cancelled.
	f.claimTask(transcribe.ID)
	f.o.Handle(ctx, events.Event{Type: events.TaskFailed, TaskID: transcribe.ID.String(), Error: "engine crashed", Reason: "engine_dead"})
	got, err = f.st.Tasks().Get(ctx, transcribe.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)

	gotJob, err := f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, gotJob.Status)
	assert.Contains(t, gotJob.Error, "engine crashed")

	byStage = f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskCancelled, byStage["align"].Status)
	assert.Equal(t, model.TaskCancelled, byStage["merge"].Status)
}

func TestPoisonFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerEngines("prepare", "transcribe", "align", "merge")

	job := f.createJob(nil, "")
	byStage := f.tasksByStage(job.ID)
	f.completeTask(byStage["prepare"], nil)
	byStage = f.tasksByStage(job.ID)

	f.claimTask(byStage["transcribe"].ID)
	f.o.Handle(ctx, events.Event{
		Type: events.TaskFailed, TaskID: byStage["transcribe"].ID.String(),
		Error: "unsupported codec", Reason: "poison",
	})

	got, err := f.st.Tasks().Get(ctx, byStage["transcribe"].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, 0, got.Retries)

	gotJob, err := f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, gotJob.Status)
}

func TestCancellationDuringRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerEngines("prepare", "transcribe", "align", "merge")

	job := f.createJob(nil, "")
	byStage := f.tasksByStage(job.ID)
	f.completeTask(byStage["prepare"], nil)

	// transcribe is claimed by an engine and running.
	byStage = f.tasksByStage(job.ID)
	_, err := f.st.Tasks().UpdateStatus(ctx, byStage["transcribe"].ID,
		[]model.TaskStatus{model.TaskReady}, model.TaskRunning, storeTaskUpdateNone())
	require.NoError(t, err)

	f.o.Handle(ctx, events.Event{Type: events.JobCancelRequested, JobID: job.ID.String()})

	gotJob, err := f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelling, gotJob.Status, "waits for the running task to drain")

	cancelled, err := f.q.IsJobCancelled(ctx, job.ID.String())
	require.NoError(t, err)
	assert.True(t, cancelled, "engines see the cancellation flag")

	byStage = f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskCancelled, byStage["align"].Status)
	assert.Equal(t, model.TaskCancelled, byStage["merge"].Status)
	assert.Equal(t, model.TaskRunning, byStage["transcribe"].Status)

	// The engine observes the flag, aborts, and reports a cancelled failure.
	f.o.Handle(ctx, events.Event{
		Type: events.TaskFailed, TaskID: byStage["transcribe"].ID.String(),
		Error: "aborted", Reason: "cancelled",
	})

	gotJob, err = f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, gotJob.Status)
	assert.Empty(t, gotJob.Error, "cancellation is not an error")
	require.NotNil(t, gotJob.CompletedAt)

	// A duplicate cancel request is ignored once terminal.
	f.o.Handle(ctx, events.Event{Type: events.JobCancelRequested, JobID: job.ID.String()})
	gotJob, err = f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, gotJob.Status)
}

func TestFailFastWithoutEngine(t *testing.T) {
	f := newFixture(t) // no engines registered
	ctx := context.Background()

	job := f.createJob(nil, "")

	gotJob, err := f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, gotJob.Status)
	assert.Contains(t, gotJob.Error, "no live engine")

	byStage := f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskFailed, byStage["prepare"].Status)
}

func TestWaitModeParksTask(t *testing.T) {
	f := newFixture(t, WithDispatchPolicy(StaticPolicy{Behavior: BehaviorWait, WaitTimeout: 5 * time.Minute}))
	ctx := context.Background()

	job := f.createJob(nil, "")

	byStage := f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskReady, byStage["prepare"].Status, "task stays ready while parked")

	waiting, err := f.q.WaitingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	marker, err := f.q.WaitMarkerFor(ctx, waiting[0])
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "prepare", marker.EngineID)
	assert.NotEmpty(t, marker.StreamMessageID)
	assert.False(t, marker.WaitDeadlineAt.IsZero())
}

func TestWaitTimeoutFailsJob(t *testing.T) {
	f := newFixture(t, WithDispatchPolicy(StaticPolicy{Behavior: BehaviorWait, WaitTimeout: time.Minute}))
	ctx := context.Background()

	job := f.createJob(nil, "")
	byStage := f.tasksByStage(job.ID)

	f.o.Handle(ctx, events.Event{
		Type:     events.TaskWaitTimeout,
		TaskID:   byStage["prepare"].ID.String(),
		EngineID: "prepare",
		Error:    `engine "prepare" did not become available within 60 seconds`,
	})

	got, err := f.st.Tasks().Get(ctx, byStage["prepare"].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)

	gotJob, err := f.st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, gotJob.Status)
}

func TestDuplicateEventsAreNoOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerEngines("prepare", "transcribe", "align", "merge")

	job := f.createJob(nil, "")

	// Replay job.created: no duplicate tasks.
	f.o.Handle(ctx, events.Event{Type: events.JobCreated, JobID: job.ID.String()})
	tasks, err := f.st.Tasks().ListByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)

	byStage := f.tasksByStage(job.ID)
	f.completeTask(byStage["prepare"], nil)

	// Replay the completion: the dependent stays dispatched exactly once.
	f.o.Handle(ctx, events.Event{Type: events.TaskCompleted, TaskID: byStage["prepare"].ID.String()})
	byStage = f.tasksByStage(job.ID)
	assert.Equal(t, model.TaskCompleted, byStage["prepare"].Status)
	assert.Equal(t, model.TaskReady, byStage["transcribe"].Status)

	info, err := f.q.Info(ctx, "transcribe")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length, "no duplicate publish on replay")
}

func storeTaskUpdateNone() store.TaskUpdate { return store.TaskUpdate{} }
