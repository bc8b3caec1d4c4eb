package sessions

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
	"dalston.dev/dalston/jobs"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/queue"
	"dalston.dev/dalston/retention"
	"dalston.dev/dalston/store/storetest"
	"dalston.dev/dalston/telemetry"
)

func newService(t *testing.T, now time.Time) (*Service, *storetest.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := storetest.New()
	rec := audit.NewRecorder(st.Audit(), telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	policies := retention.NewService(st)
	jobsSvc := jobs.NewService(st, queue.New(rdb),
		events.NewBus(rdb, telemetry.NewNoopLogger()), policies, rec, telemetry.NewNoopLogger())
	svc := NewService(st, policies, jobsSvc, rec, telemetry.NewNoopLogger()).
		WithClock(func() time.Time { return now })
	return svc, st
}

func principal() jobs.Principal {
	return jobs.Principal{TenantID: model.DefaultTenantID}
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, st := newService(t, now)
	ctx := context.Background()
	p := principal()

	created, err := svc.Create(ctx, p, CreateSessionRequest{
		Language:   "en",
		Model:      "fast",
		Engine:     "whisper-rt",
		Encoding:   "pcm_s16le",
		SampleRate: 16000,
		WorkerID:   "worker-a",
		ClientIP:   "10.0.0.9",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, created.Status)
	require.NotNil(t, created.RetentionPolicyID)

	require.NoError(t, svc.UpdateStats(ctx, created.ID, 12.5, 4, 30))
	got, err := svc.Get(ctx, p, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.AudioDurationSeconds)
	assert.Equal(t, 4, got.SegmentCount)
	assert.Equal(t, 30, got.WordCount)

	final, err := svc.Finalize(ctx, p, created.ID, FinalizeRequest{
		Status:               model.SessionCompleted,
		AudioDurationSeconds: 42.0,
		SegmentCount:         10,
		WordCount:            120,
		TranscriptURI:        "s3://bucket/sessions/x/transcript.json",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.PurgeAfter, "default policy auto-deletes")
	assert.True(t, final.PurgeAfter.After(now))

	// Double finalize conflicts.
	_, err = svc.Finalize(ctx, p, created.ID, FinalizeRequest{Status: model.SessionInterrupted})
	assert.ErrorIs(t, err, ErrConflict)

	entries, err := st.Audit().ListByResource(ctx, "session", created.ID.String(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "started and ended audit entries")
}

func TestFinalizeRequiresTerminalStatus(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := newService(t, now)
	p := principal()

	created, err := svc.Create(context.Background(), p, CreateSessionRequest{})
	require.NoError(t, err)

	_, err = svc.Finalize(context.Background(), p, created.ID, FinalizeRequest{Status: model.SessionActive})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestFinalizeWithEnhancement(t *testing.T) {
	now := time.Now().UTC()
	svc, st := newService(t, now)
	ctx := context.Background()
	p := principal()

	created, err := svc.Create(ctx, p, CreateSessionRequest{Model: "fast", Language: "en"})
	require.NoError(t, err)

	final, err := svc.Finalize(ctx, p, created.ID, FinalizeRequest{
		Status:               model.SessionCompleted,
		AudioDurationSeconds: 60,
		AudioURI:             "s3://bucket/sessions/y/audio.wav",
		EnhanceOnEnd:         true,
	})
	require.NoError(t, err)
	require.NotNil(t, final.EnhancementJobID, "enhancement job linked on finalize")

	job, err := st.Jobs().Get(ctx, *final.EnhancementJobID)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/sessions/y/audio.wav", job.AudioURI)
	assert.Equal(t, "accurate", job.Parameters["model"])
}

func TestParseSessionID(t *testing.T) {
	id, err := ParseSessionID("sess_0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "01234567-89ab-cdef-0000-000000000000", id.String())

	raw := uuid.New()
	id, err = ParseSessionID(raw.String())
	require.NoError(t, err)
	assert.Equal(t, raw, id)

	_, err = ParseSessionID("sess_")
	assert.Error(t, err)
	_, err = ParseSessionID("bogus")
	assert.Error(t, err)
}
