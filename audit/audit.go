// Package audit records significant actions in the append-only audit log.
//
// Audit writes are fail-open: a failed write must never block the business
// operation that triggered it. Failures are logged and counted on a metric so
// audit reliability stays observable without audit becoming a hard
// dependency.
package audit

import (
	"context"

	"github.com/google/uuid"

	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

// Recorder writes audit entries. The zero value is not usable; construct
// with NewRecorder. A nil *Recorder is safe to call and records nothing,
// which keeps call sites free of nil checks.
type Recorder struct {
	store   store.AuditStore
	log     telemetry.Logger
	metrics telemetry.Metrics
}

// NewRecorder builds a Recorder over the audit store.
func NewRecorder(st store.AuditStore, log telemetry.Logger, m telemetry.Metrics) *Recorder {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if m == nil {
		m = telemetry.NewNoopMetrics()
	}
	return &Recorder{store: st, log: log, metrics: m}
}

// Record appends one audit entry, swallowing any failure.
func (r *Recorder) Record(ctx context.Context, tenantID *uuid.UUID, action, resourceType, resourceID string, metadata map[string]any) {
	if r == nil || r.store == nil {
		return
	}
	entry := &model.AuditEntry{
		TenantID:     tenantID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.log.Warn(ctx, "audit write failed", "action", action, "resource_id", resourceID, "err", err)
		r.metrics.IncCounter(telemetry.MetricAuditFailures, 1, "action", action)
	}
}

// JobCreated records a batch job submission.
func (r *Recorder) JobCreated(ctx context.Context, tenantID, jobID uuid.UUID, audioURI string) {
	r.Record(ctx, &tenantID, "job.created", "job", jobID.String(), map[string]any{
		"audio_uri": audioURI,
	})
}

// JobCancelled records a cancellation request.
func (r *Recorder) JobCancelled(ctx context.Context, tenantID, jobID uuid.UUID) {
	r.Record(ctx, &tenantID, "job.cancelled", "job", jobID.String(), nil)
}

// JobPurged records retention deletion of a job's artifacts.
func (r *Recorder) JobPurged(ctx context.Context, tenantID, jobID uuid.UUID, artifacts []string) {
	r.Record(ctx, &tenantID, "job.purged", "job", jobID.String(), map[string]any{
		"artifacts_deleted": artifacts,
	})
}

// SessionStarted records a realtime session accept.
func (r *Recorder) SessionStarted(ctx context.Context, tenantID, sessionID uuid.UUID, workerID string) {
	r.Record(ctx, &tenantID, "session.started", "session", sessionID.String(), map[string]any{
		"worker_id": workerID,
	})
}

// SessionEnded records a realtime session finalization.
func (r *Recorder) SessionEnded(ctx context.Context, tenantID, sessionID uuid.UUID, status model.SessionStatus) {
	r.Record(ctx, &tenantID, "session.ended", "session", sessionID.String(), map[string]any{
		"status": string(status),
	})
}

// SessionPurged records retention deletion of a session's artifacts.
func (r *Recorder) SessionPurged(ctx context.Context, tenantID, sessionID uuid.UUID) {
	r.Record(ctx, &tenantID, "session.purged", "session", sessionID.String(), nil)
}

// PolicyCreated records retention policy creation.
func (r *Recorder) PolicyCreated(ctx context.Context, tenantID, policyID uuid.UUID, name string) {
	r.Record(ctx, &tenantID, "retention_policy.created", "retention_policy", policyID.String(), map[string]any{
		"name": name,
	})
}

// PolicyDeleted records retention policy deletion.
func (r *Recorder) PolicyDeleted(ctx context.Context, tenantID, policyID uuid.UUID) {
	r.Record(ctx, &tenantID, "retention_policy.deleted", "retention_policy", policyID.String(), nil)
}

// EndpointDisabled records webhook endpoint auto-disable.
func (r *Recorder) EndpointDisabled(ctx context.Context, tenantID, endpointID uuid.UUID, reason string) {
	r.Record(ctx, &tenantID, "webhook_endpoint.disabled", "webhook_endpoint", endpointID.String(), map[string]any{
		"reason": reason,
	})
}
