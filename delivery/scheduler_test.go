package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store/storetest"
)

type fakeSender struct {
	mu     sync.Mutex
	status int
	err    error
	sent   []string
}

func (f *fakeSender) Send(_ context.Context, url, _ string, _ uuid.UUID, _ map[string]any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, url)
	return f.status, f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newFixture(t *testing.T, sender Sender, now *time.Time) (*Scheduler, *storetest.Memory) {
	t.Helper()
	st := storetest.New()
	s := NewScheduler(st, sender, "global-secret", WithClock(func() time.Time { return *now }))
	return s, st
}

func TestEnqueueDeduplicates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newFixture(t, &fakeSender{status: 200}, &now)
	ctx := context.Background()
	jobID := uuid.New()

	first, err := s.Enqueue(ctx, nil, "https://example.com/hook", jobID, "transcription.completed", map[string]any{"a": 1})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, nil, "https://example.com/hook", jobID, "transcription.completed", map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same dedup key returns the same row")
}

func TestPollDeliversSuccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender := &fakeSender{status: 200}
	s, st := newFixture(t, sender, &now)
	ctx := context.Background()

	endpoint := &model.WebhookEndpoint{
		TenantID: model.DefaultTenantID, URL: "https://example.com/hook",
		Events: []string{"*"}, SigningSecret: "s", IsActive: true,
	}
	require.NoError(t, st.Endpoints().Create(ctx, endpoint))

	jobID := uuid.New()
	d, err := s.Enqueue(ctx, &endpoint.ID, "", jobID, "transcription.completed", map[string]any{"event": "transcription.completed"})
	require.NoError(t, err)

	require.NoError(t, s.Poll(ctx))

	got, err := st.Deliveries().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySuccess, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.NextRetryAt, "success clears the retry schedule")

	ep, err := st.Endpoints().Get(ctx, endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, ep.ConsecutiveFailures)
	require.NotNil(t, ep.LastSuccessAt)
}

func TestPollSchedulesRetryWithBackoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender := &fakeSender{status: 500}
	s, st := newFixture(t, sender, &now)
	ctx := context.Background()

	d, err := s.Enqueue(ctx, nil, "https://example.com/hook", uuid.New(), "transcription.failed", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, s.Poll(ctx))

	got, err := st.Deliveries().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, now.Add(30*time.Second), *got.NextRetryAt, "attempt 1 retries after 30s")
	assert.Equal(t, "HTTP 500", got.LastError)
	require.NotNil(t, got.LastStatusCode)
	assert.Equal(t, 500, *got.LastStatusCode)

	// Not due yet: nothing happens.
	require.NoError(t, s.Poll(ctx))
	got, err = st.Deliveries().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
}

func TestExhaustionMarksFailedAndCountsEndpoint(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender := &fakeSender{err: errors.New("connection refused")}
	s, st := newFixture(t, sender, &now)
	ctx := context.Background()

	endpoint := &model.WebhookEndpoint{
		TenantID: model.DefaultTenantID, URL: "https://example.com/hook",
		Events: []string{"*"}, SigningSecret: "s", IsActive: true,
	}
	require.NoError(t, st.Endpoints().Create(ctx, endpoint))

	d, err := s.Enqueue(ctx, &endpoint.ID, "", uuid.New(), "transcription.completed", map[string]any{})
	require.NoError(t, err)

	for i := 0; i < MaxAttempts; i++ {
		require.NoError(t, s.Poll(ctx))
		got, err := st.Deliveries().Get(ctx, d.ID)
		require.NoError(t, err)
		if got.NextRetryAt != nil {
			now = *got.NextRetryAt
		}
	}

	got, err := st.Deliveries().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, got.Status)
	assert.Equal(t, MaxAttempts, got.Attempts)
	assert.Nil(t, got.NextRetryAt)

	ep, err := st.Endpoints().Get(ctx, endpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ep.ConsecutiveFailures, "one exhausted delivery = one endpoint failure")
	assert.True(t, ep.IsActive)
}

func TestAutoDisableAfterChronicFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender := &fakeSender{err: errors.New("connection refused")}
	s, st := newFixture(t, sender, &now)
	ctx := context.Background()

	endpoint := &model.WebhookEndpoint{
		TenantID: model.DefaultTenantID, URL: "https://example.com/hook",
		Events: []string{"transcription.completed"}, SigningSecret: "s", IsActive: true,
	}
	require.NoError(t, st.Endpoints().Create(ctx, endpoint))

	// Ten deliveries, each exhausting its attempt budget.
	for n := 0; n < AutoDisableFailureThreshold; n++ {
		_, err := s.Enqueue(ctx, &endpoint.ID, "", uuid.New(), "transcription.completed", map[string]any{})
		require.NoError(t, err)
		for i := 0; i < MaxAttempts; i++ {
			require.NoError(t, s.Poll(ctx))
			now = now.Add(2 * time.Hour)
		}
	}

	ep, err := st.Endpoints().Get(ctx, endpoint.ID)
	require.NoError(t, err)
	assert.False(t, ep.IsActive)
	assert.Equal(t, DisabledReasonAuto, ep.DisabledReason)
	assert.GreaterOrEqual(t, ep.ConsecutiveFailures, AutoDisableFailureThreshold)

	// Re-enable clears the counters; the next delivery goes out.
	require.NoError(t, st.Endpoints().Enable(ctx, endpoint.ID))
	ep, err = st.Endpoints().Get(ctx, endpoint.ID)
	require.NoError(t, err)
	assert.True(t, ep.IsActive)
	assert.Equal(t, 0, ep.ConsecutiveFailures)
	assert.Empty(t, ep.DisabledReason)

	sender.mu.Lock()
	sender.err = nil
	sender.status = 200
	sender.mu.Unlock()

	d, err := s.Enqueue(ctx, &endpoint.ID, "", uuid.New(), "transcription.completed", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, s.Poll(ctx))
	got, err := st.Deliveries().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySuccess, got.Status)
}

func TestRecentSuccessPreventsAutoDisable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender := &fakeSender{err: errors.New("connection refused")}
	s, st := newFixture(t, sender, &now)
	ctx := context.Background()

	endpoint := &model.WebhookEndpoint{
		TenantID: model.DefaultTenantID, URL: "https://example.com/hook",
		Events: []string{"*"}, SigningSecret: "s", IsActive: true,
	}
	require.NoError(t, st.Endpoints().Create(ctx, endpoint))
	recent := now.Add(-time.Hour)
	require.NoError(t, st.Endpoints().RecordSuccess(ctx, endpoint.ID, recent))

	for n := 0; n < AutoDisableFailureThreshold+2; n++ {
		_, err := s.Enqueue(ctx, &endpoint.ID, "", uuid.New(), "transcription.completed", map[string]any{})
		require.NoError(t, err)
		for i := 0; i < MaxAttempts; i++ {
			require.NoError(t, s.Poll(ctx))
			now = now.Add(2 * time.Hour)
		}
	}

	ep, err := st.Endpoints().Get(ctx, endpoint.ID)
	require.NoError(t, err)
	assert.True(t, ep.IsActive, "a success inside the window blocks auto-disable")
}

func TestInvalidTargetFailsWithoutSend(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender := &fakeSender{status: 200}
	s, st := newFixture(t, sender, &now)
	ctx := context.Background()

	missing := uuid.New()
	d, err := s.Enqueue(ctx, &missing, "", uuid.New(), "transcription.completed", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, s.Poll(ctx))

	got, err := st.Deliveries().Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, got.Status)
	assert.Equal(t, 0, sender.count(), "no HTTP call for a missing endpoint")
}
