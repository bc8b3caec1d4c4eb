// Package jobs is the service the API layer calls to submit and manage
// batch transcription jobs. The HTTP surface itself (routing, parsing,
// authentication) lives outside the core; this service consumes an
// authenticated principal and validated request structs.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dalston.dev/dalston/audit"
	"dalston.dev/dalston/delivery"
	"dalston.dev/dalston/events"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/queue"
	"dalston.dev/dalston/retention"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

var (
	// ErrInvalid tags request validation failures (HTTP 400 semantics).
	ErrInvalid = errors.New("invalid request")
	// ErrConflict tags state-transition violations (HTTP 409 semantics).
	ErrConflict = errors.New("conflict")
)

type (
	// Principal is the authenticated caller: a tenant plus its granted
	// scopes.
	Principal struct {
		TenantID uuid.UUID
		Scopes   []string
	}

	// CreateJobRequest is the validated submission the API layer hands
	// over.
	CreateJobRequest struct {
		AudioURI        string
		Parameters      map[string]any
		WebhookURL      string
		WebhookMetadata map[string]any
		RetentionPolicy string
		RequestID       string
	}

	// Service manages batch jobs.
	Service struct {
		store    store.Store
		queue    *queue.Queue
		bus      *events.Bus
		policies *retention.Service
		audit    *audit.Recorder
		log      telemetry.Logger
	}
)

// NewService wires the jobs service.
func NewService(st store.Store, q *queue.Queue, bus *events.Bus, policies *retention.Service, rec *audit.Recorder, log telemetry.Logger) *Service {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Service{store: st, queue: q, bus: bus, policies: policies, audit: rec, log: log}
}

// Create validates the request, resolves its retention policy, persists the
// job, and wakes the orchestrator.
func (s *Service) Create(ctx context.Context, p Principal, req CreateJobRequest) (*model.Job, error) {
	if req.AudioURI == "" {
		return nil, fmt.Errorf("%w: audio_uri is required", ErrInvalid)
	}
	if _, err := model.ParseParameters(req.Parameters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := ValidateParameterSchema(req.Parameters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if req.WebhookURL != "" {
		if err := delivery.ValidateURL(req.WebhookURL, false); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if req.WebhookMetadata != nil {
		encoded, err := json.Marshal(req.WebhookMetadata)
		if err != nil {
			return nil, fmt.Errorf("%w: webhook_metadata not serializable", ErrInvalid)
		}
		if len(encoded) > model.WebhookMetadataMaxBytes {
			return nil, fmt.Errorf("%w: webhook_metadata exceeds %d bytes", ErrInvalid, model.WebhookMetadataMaxBytes)
		}
	}

	policy, err := s.policies.Resolve(ctx, p.TenantID, req.RetentionPolicy)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: retention policy %q not found", ErrInvalid, req.RetentionPolicy)
		}
		return nil, err
	}

	job := &model.Job{
		TenantID:          p.TenantID,
		Status:            model.JobPending,
		AudioURI:          req.AudioURI,
		Parameters:        req.Parameters,
		WebhookURL:        req.WebhookURL,
		WebhookMetadata:   req.WebhookMetadata,
		RetentionPolicyID: &policy.ID,
	}
	if err := s.store.Jobs().Create(ctx, job); err != nil {
		return nil, err
	}

	s.audit.JobCreated(ctx, p.TenantID, job.ID, job.AudioURI)
	if err := s.bus.Publish(ctx, events.Event{
		Type:      events.JobCreated,
		JobID:     job.ID.String(),
		RequestID: req.RequestID,
	}); err != nil {
		// The job row exists; the recovery paths will pick it up even if
		// the wake signal was lost.
		s.log.Error(ctx, "publish job.created failed", "job_id", job.ID.String(), "err", err)
	}

	s.log.Info(ctx, "job created", "job_id", job.ID.String(), "tenant_id", p.TenantID.String())
	return job, nil
}

// Get returns a tenant's job.
func (s *Service) Get(ctx context.Context, p Principal, jobID uuid.UUID) (*model.Job, error) {
	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != p.TenantID {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return job, nil
}

// List pages a tenant's jobs newest first.
func (s *Service) List(ctx context.Context, p Principal, limit int, createdBefore *time.Time) ([]model.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.Jobs().List(ctx, p.TenantID, limit, createdBefore)
}

// Tasks lists a job's DAG for observability surfaces.
func (s *Service) Tasks(ctx context.Context, p Principal, jobID uuid.UUID) ([]model.Task, error) {
	if _, err := s.Get(ctx, p, jobID); err != nil {
		return nil, err
	}
	return s.store.Tasks().ListByJob(ctx, jobID)
}

// Cancel requests cancellation of a pending or running job. The state
// transition is synchronous; task-level cancellation is the orchestrator's
// job once it sees job.cancel_requested. Cancelling a terminal job is a
// conflict.
func (s *Service) Cancel(ctx context.Context, p Principal, jobID uuid.UUID) (*model.Job, error) {
	job, err := s.Get(ctx, p, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.CanCancel() {
		return nil, fmt.Errorf("%w: job is %s", ErrConflict, job.Status)
	}

	updated, err := s.store.Jobs().UpdateStatus(ctx, jobID,
		[]model.JobStatus{model.JobPending, model.JobRunning}, model.JobCancelling,
		store.JobUpdate{})
	if err != nil {
		return nil, err
	}
	if !updated {
		// Raced with completion or another cancel.
		return nil, fmt.Errorf("%w: job is no longer cancellable", ErrConflict)
	}

	if err := s.queue.MarkJobCancelled(ctx, jobID.String()); err != nil {
		s.log.Error(ctx, "set cancel flag failed", "job_id", jobID.String(), "err", err)
	}
	s.audit.JobCancelled(ctx, p.TenantID, jobID)
	if err := s.bus.Publish(ctx, events.Event{Type: events.JobCancelRequested, JobID: jobID.String()}); err != nil {
		s.log.Error(ctx, "publish job.cancel_requested failed", "job_id", jobID.String(), "err", err)
	}

	job.Status = model.JobCancelling
	return job, nil
}
