package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dalston.dev/dalston/audit"
	"dalston.dev/dalston/events"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/queue"
	"dalston.dev/dalston/retention"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/store/storetest"
	"dalston.dev/dalston/telemetry"
)

func newService(t *testing.T) (*Service, *storetest.Memory, *events.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := storetest.New()
	q := queue.New(rdb)
	bus := events.NewBus(rdb, telemetry.NewNoopLogger())
	rec := audit.NewRecorder(st.Audit(), telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	svc := NewService(st, q, bus, retention.NewService(st), rec, telemetry.NewNoopLogger())
	return svc, st, bus
}

func principal() Principal {
	return Principal{TenantID: model.DefaultTenantID, Scopes: []string{"jobs:write"}}
}

func TestCreateJobHappyPath(t *testing.T) {
	svc, st, bus := newService(t)
	ctx := context.Background()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := bus.Subscribe(subCtx)
	require.NoError(t, err)

	job, err := svc.Create(ctx, principal(), CreateJobRequest{
		AudioURI:   "s3://bucket/audio.wav",
		Parameters: map[string]any{"language": "en", "speaker_detection": "diarize"},
		WebhookURL: "https://example.com/hook",
		RequestID:  "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	require.NotNil(t, job.RetentionPolicyID)
	assert.Equal(t, retention.SystemPolicyDefault, *job.RetentionPolicyID, "default policy resolved")

	select {
	case e := <-ch:
		assert.Equal(t, events.JobCreated, e.Type)
		assert.Equal(t, job.ID.String(), e.JobID)
		assert.Equal(t, "req-1", e.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("job.created not published")
	}

	entries, err := st.Audit().ListByResource(ctx, "job", job.ID.String(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job.created", entries[0].Action)
}

func TestCreateJobValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	p := principal()

	_, err := svc.Create(ctx, p, CreateJobRequest{})
	assert.ErrorIs(t, err, ErrInvalid, "audio_uri required")

	_, err = svc.Create(ctx, p, CreateJobRequest{
		AudioURI:   "s3://b/a.wav",
		Parameters: map[string]any{"speaker_detection": "telepathy"},
	})
	assert.ErrorIs(t, err, ErrInvalid, "unknown enum")

	_, err = svc.Create(ctx, p, CreateJobRequest{
		AudioURI:   "s3://b/a.wav",
		Parameters: map[string]any{"min_speakers": 5, "max_speakers": 2, "speaker_detection": "diarize"},
	})
	assert.ErrorIs(t, err, ErrInvalid, "min_speakers > max_speakers")

	_, err = svc.Create(ctx, p, CreateJobRequest{
		AudioURI:   "s3://b/a.wav",
		WebhookURL: "ftp://example.com/hook",
	})
	assert.ErrorIs(t, err, ErrInvalid, "bad webhook scheme")

	_, err = svc.Create(ctx, p, CreateJobRequest{
		AudioURI:        "s3://b/a.wav",
		RetentionPolicy: "no-such-policy",
	})
	assert.ErrorIs(t, err, ErrInvalid, "unknown retention policy")

	big := map[string]any{"blob": string(make([]byte, model.WebhookMetadataMaxBytes+1))}
	_, err = svc.Create(ctx, p, CreateJobRequest{
		AudioURI:        "s3://b/a.wav",
		WebhookMetadata: big,
	})
	assert.ErrorIs(t, err, ErrInvalid, "webhook_metadata over 16 KiB")
}

func TestParameterSchemaRanges(t *testing.T) {
	assert.NoError(t, ValidateParameterSchema(map[string]any{
		"speaker_detection": "per_channel", "num_channels": 4,
	}))
	assert.Error(t, ValidateParameterSchema(map[string]any{"num_channels": 0}))
	assert.Error(t, ValidateParameterSchema(map[string]any{"pii_redaction_mode": "reverse"}))
	assert.NoError(t, ValidateParameterSchema(map[string]any{"custom_engine_flag": true}),
		"unknown keys pass through")
}

func TestCancelLifecycle(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	p := principal()

	job, err := svc.Create(ctx, p, CreateJobRequest{AudioURI: "s3://b/a.wav"})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, p, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelling, cancelled.Status)

	// A second cancel while cancelling conflicts.
	_, err = svc.Cancel(ctx, p, job.ID)
	assert.ErrorIs(t, err, ErrConflict)

	// And after the orchestrator finishes, it still conflicts.
	now := time.Now().UTC()
	_, err = st.Jobs().UpdateStatus(ctx, job.ID,
		[]model.JobStatus{model.JobCancelling}, model.JobCancelled,
		store.JobUpdate{CompletedAt: &now})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, p, job.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTenantIsolation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, principal(), CreateJobRequest{AudioURI: "s3://b/a.wav"})
	require.NoError(t, err)

	other := Principal{TenantID: uuid.MustParse("11111111-2222-3333-4444-555555555555")}
	_, err = svc.Get(ctx, other, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.Cancel(ctx, other, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateEnhancement(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	p := principal()

	completedAt := time.Now().UTC()
	session := &model.Session{
		TenantID: p.TenantID,
		Status:   model.SessionActive,
		Language: "en",
		Model:    "fast",
		Engine:   "whisper-rt",
		AudioURI: "s3://bucket/sessions/s1/audio.wav",
	}
	require.NoError(t, st.Sessions().Create(ctx, session))

	// Active sessions cannot be enhanced.
	_, err := svc.CreateEnhancement(ctx, p, session.ID, DefaultEnhancementOptions())
	assert.ErrorIs(t, err, ErrConflict)

	_, err = st.Sessions().Finalize(ctx, session.ID, model.SessionCompleted, completedAt, nil)
	require.NoError(t, err)

	job, err := svc.CreateEnhancement(ctx, p, session.ID, DefaultEnhancementOptions())
	require.NoError(t, err)
	assert.Equal(t, session.AudioURI, job.AudioURI)
	assert.Equal(t, "accurate", job.Parameters["model"], "fast maps to the batch model")
	assert.Equal(t, "diarize", job.Parameters["speaker_detection"])
	assert.Equal(t, "word", job.Parameters["timestamps_granularity"])
	marker := job.Parameters["_enhancement"].(map[string]any)
	assert.Equal(t, session.ID.String(), marker["source_session_id"])

	got, err := st.Sessions().Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EnhancementJobID)
	assert.Equal(t, job.ID, *got.EnhancementJobID)

	// A second enhancement conflicts.
	_, err = svc.CreateEnhancement(ctx, p, session.ID, DefaultEnhancementOptions())
	assert.ErrorIs(t, err, ErrConflict)
}

func TestEnhancementRequiresAudio(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	p := principal()

	session := &model.Session{TenantID: p.TenantID, Status: model.SessionActive}
	require.NoError(t, st.Sessions().Create(ctx, session))
	_, err := st.Sessions().Finalize(ctx, session.ID, model.SessionCompleted, time.Now().UTC(), nil)
	require.NoError(t, err)

	_, err = svc.CreateEnhancement(ctx, p, session.ID, DefaultEnhancementOptions())
	assert.ErrorIs(t, err, ErrInvalid)
}

