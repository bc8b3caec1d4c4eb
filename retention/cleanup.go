package retention

import (
	"context"
	"time"

	"dalston.dev/dalston/audit"
	"dalston.dev/dalston/blob"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

const (
	// DefaultCleanupInterval is how often the worker sweeps for expired
	// owners.
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultCleanupBatchSize bounds one sweep's batch per owner kind.
	DefaultCleanupBatchSize = 100
)

type (
	// CleanupWorker periodically purges artifacts of jobs and sessions past
	// their purge_after deadline, then marks the owners purged. Per-owner
	// failures are isolated: the owner is left for the next sweep and the
	// worker continues.
	CleanupWorker struct {
		store    store.Store
		blobs    blob.Store
		audit    *audit.Recorder
		log      telemetry.Logger
		metrics  telemetry.Metrics
		interval time.Duration
		batch    int
		clock    func() time.Time
	}

	// CleanupOption configures the worker.
	CleanupOption func(*CleanupWorker)
)

// WithCleanupInterval overrides the sweep interval.
func WithCleanupInterval(d time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.interval = d }
}

// WithCleanupBatchSize overrides the per-sweep batch size.
func WithCleanupBatchSize(n int) CleanupOption {
	return func(w *CleanupWorker) { w.batch = n }
}

// WithCleanupClock overrides the time source (tests).
func WithCleanupClock(clock func() time.Time) CleanupOption {
	return func(w *CleanupWorker) { w.clock = clock }
}

// WithCleanupTelemetry sets the logger and metrics recorder.
func WithCleanupTelemetry(log telemetry.Logger, m telemetry.Metrics) CleanupOption {
	return func(w *CleanupWorker) {
		w.log = log
		w.metrics = m
	}
}

// NewCleanupWorker builds the cleanup worker.
func NewCleanupWorker(st store.Store, blobs blob.Store, rec *audit.Recorder, opts ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		store:    st,
		blobs:    blobs,
		audit:    rec,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		interval: DefaultCleanupInterval,
		batch:    DefaultCleanupBatchSize,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *CleanupWorker) Run(ctx context.Context) error {
	w.log.Info(ctx, "cleanup worker started", "interval", w.interval.String(), "batch", w.batch)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info(ctx, "cleanup worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one purge pass over expired jobs, sessions, and per-blob
// artifact rows.
func (w *CleanupWorker) Sweep(ctx context.Context) {
	jobs := w.purgeExpiredJobs(ctx)
	sessions := w.purgeExpiredSessions(ctx)
	artifacts := w.purgeExpiredArtifacts(ctx)
	if jobs > 0 || sessions > 0 || artifacts > 0 {
		w.log.Info(ctx, "cleanup sweep complete",
			"jobs_purged", jobs, "sessions_purged", sessions, "artifacts_purged", artifacts)
	}
}

// purgeExpiredArtifacts removes blobs tracked by per-artifact rows. Rows get
// a purge deadline only once their owner finalizes (MarkAvailable), so
// incomplete writes are never purged.
func (w *CleanupWorker) purgeExpiredArtifacts(ctx context.Context) int {
	artifacts, err := w.store.Artifacts().ListExpired(ctx, w.clock(), w.batch)
	if err != nil {
		w.log.Error(ctx, "list expired artifacts failed", "err", err)
		return 0
	}

	purged := 0
	for i := range artifacts {
		a := &artifacts[i]
		if _, key, err := blob.ParseURI(a.URI); err == nil {
			if err := w.blobs.Delete(ctx, key); err != nil {
				w.log.Error(ctx, "artifact blob delete failed", "uri", a.URI, "err", err)
				continue
			}
		}
		if err := w.store.Artifacts().Delete(ctx, a.ID); err != nil {
			w.log.Error(ctx, "artifact row delete failed", "artifact_id", a.ID.String(), "err", err)
			continue
		}
		purged++
	}
	return purged
}

func (w *CleanupWorker) purgeExpiredJobs(ctx context.Context) int {
	now := w.clock()
	jobs, err := w.store.Jobs().ListExpired(ctx, now, w.batch)
	if err != nil {
		w.log.Error(ctx, "list expired jobs failed", "err", err)
		return 0
	}

	purged := 0
	for i := range jobs {
		job := &jobs[i]
		if err := w.purgeJob(ctx, job); err != nil {
			w.log.Error(ctx, "job purge failed", "job_id", job.ID.String(), "err", err)
			continue
		}
		purged++
		w.metrics.IncCounter(telemetry.MetricJobsPurged, 1)
	}
	return purged
}

func (w *CleanupWorker) purgeJob(ctx context.Context, job *model.Job) error {
	scope := w.jobScope(ctx, job)

	var kinds []string
	switch scope {
	case model.ScopeAudioOnly:
		// Keep the final transcript; drop source audio and task
		// intermediates.
		if _, err := w.blobs.DeletePrefix(ctx, blob.JobAudioPrefix(job.ID)); err != nil {
			return err
		}
		if _, err := w.blobs.DeletePrefix(ctx, blob.JobTasksPrefix(job.ID)); err != nil {
			return err
		}
		kinds = []string{"audio", "tasks"}
	default:
		if _, err := w.blobs.DeletePrefix(ctx, blob.JobPrefix(job.ID)); err != nil {
			return err
		}
		kinds = []string{"audio", "tasks", "transcript"}
	}

	if err := w.store.Jobs().MarkPurged(ctx, job.ID, w.clock()); err != nil {
		return err
	}

	w.audit.JobPurged(ctx, job.TenantID, job.ID, kinds)
	w.log.Info(ctx, "job purged", "job_id", job.ID.String(), "scope", string(scope), "artifacts", kinds)
	return nil
}

// jobScope resolves the purge scope from the job's policy; a missing policy
// falls back to deleting everything.
func (w *CleanupWorker) jobScope(ctx context.Context, job *model.Job) model.RetentionScope {
	if job.RetentionPolicyID == nil {
		return model.ScopeAll
	}
	p, err := w.store.Policies().Get(ctx, *job.RetentionPolicyID)
	if err != nil {
		w.log.Warn(ctx, "policy lookup failed during purge", "job_id", job.ID.String(), "err", err)
		return model.ScopeAll
	}
	return p.Scope
}

func (w *CleanupWorker) purgeExpiredSessions(ctx context.Context) int {
	now := w.clock()
	sessions, err := w.store.Sessions().ListExpired(ctx, now, w.batch)
	if err != nil {
		w.log.Error(ctx, "list expired sessions failed", "err", err)
		return 0
	}

	purged := 0
	for i := range sessions {
		sess := &sessions[i]
		if _, err := w.blobs.DeletePrefix(ctx, blob.SessionPrefix(sess.ID)); err != nil {
			w.log.Error(ctx, "session purge failed", "session_id", sess.ID.String(), "err", err)
			continue
		}
		if err := w.store.Sessions().MarkPurged(ctx, sess.ID, w.clock()); err != nil {
			w.log.Error(ctx, "mark session purged failed", "session_id", sess.ID.String(), "err", err)
			continue
		}
		w.audit.SessionPurged(ctx, sess.TenantID, sess.ID)
		w.log.Info(ctx, "session purged", "session_id", sess.ID.String())
		purged++
		w.metrics.IncCounter(telemetry.MetricSessionsPurged, 1)
	}
	return purged
}
