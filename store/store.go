// Package store defines the state-store contracts of the control plane.
//
// The relational store is the serialization point for every mutation on
// jobs, tasks, endpoints, deliveries, and policies: mutators use conditional
// updates guarded on the previous state (so replayed events become no-ops)
// and row locks where a handler must operate on one entity at a time.
// Implementations live in store/postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dalston.dev/dalston/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a mutation violates a state invariant
	// (illegal transition, deleting an in-use policy, duplicate name).
	ErrConflict = errors.New("conflict")
)

type (
	// Store aggregates per-entity stores and transaction scoping. WithTx
	// runs fn against a transaction-bound Store; returning an error rolls
	// the transaction back.
	Store interface {
		Jobs() JobStore
		Tasks() TaskStore
		Sessions() SessionStore
		Policies() PolicyStore
		Endpoints() EndpointStore
		Deliveries() DeliveryStore
		Artifacts() ArtifactStore
		Audit() AuditStore
		Settings() SettingStore
		Tenants() TenantStore

		WithTx(ctx context.Context, fn func(Store) error) error
	}

	// JobUpdate carries the optional fields a conditional status transition
	// may set alongside the new status.
	JobUpdate struct {
		Error       *string
		StartedAt   *time.Time
		CompletedAt *time.Time
	}

	// JobResultStats is the aggregate computed from the merge output when a
	// job completes successfully.
	JobResultStats struct {
		AudioDurationSeconds *float64
		LanguageCode         *string
		WordCount            *int
		SegmentCount         *int
		SpeakerCount         *int
		CharacterCount       *int
	}

	// JobStore persists batch jobs.
	JobStore interface {
		Create(ctx context.Context, job *model.Job) error
		Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
		// GetForUpdate locks the job row for the duration of the enclosing
		// transaction, serializing event handling per job.
		GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Job, error)
		List(ctx context.Context, tenantID uuid.UUID, limit int, createdBefore *time.Time) ([]model.Job, error)
		// UpdateStatus transitions id from any of the listed statuses to the
		// target. Returns false without error when the row was not in an
		// admissible status (duplicate event; no-op).
		UpdateStatus(ctx context.Context, id uuid.UUID, from []model.JobStatus, to model.JobStatus, upd JobUpdate) (bool, error)
		SetResultStats(ctx context.Context, id uuid.UUID, stats JobResultStats) error
		SetRetention(ctx context.Context, id uuid.UUID, purgeAfter *time.Time) error
		MarkPurged(ctx context.Context, id uuid.UUID, at time.Time) error
		ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Job, error)
		CountByPolicy(ctx context.Context, policyID uuid.UUID) (int, error)
	}

	// TaskUpdate carries optional fields set alongside a task transition.
	TaskUpdate struct {
		Error            *string
		OutputURI        *string
		StartedAt        *time.Time
		CompletedAt      *time.Time
		IncrementRetries bool
	}

	// TaskStore persists DAG tasks.
	TaskStore interface {
		CreateBatch(ctx context.Context, tasks []model.Task) error
		Get(ctx context.Context, id uuid.UUID) (*model.Task, error)
		ListByJob(ctx context.Context, jobID uuid.UUID) ([]model.Task, error)
		// UpdateStatus transitions id from any of the listed statuses to the
		// target; false means the task was not in an admissible status.
		UpdateStatus(ctx context.Context, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus, upd TaskUpdate) (bool, error)
		SetInputURI(ctx context.Context, id uuid.UUID, uri string) error
	}

	// SessionUpdate carries the mutable accumulated stats of a session.
	SessionUpdate struct {
		AudioDurationSeconds *float64
		SegmentCount         *int
		WordCount            *int
		AudioURI             *string
		TranscriptURI        *string
	}

	// SessionStore persists realtime session history.
	SessionStore interface {
		Create(ctx context.Context, s *model.Session) error
		Get(ctx context.Context, id uuid.UUID) (*model.Session, error)
		List(ctx context.Context, tenantID uuid.UUID, limit int, createdBefore *time.Time) ([]model.Session, error)
		UpdateStats(ctx context.Context, id uuid.UUID, upd SessionUpdate) error
		// Finalize transitions an active session to a terminal status and
		// stamps retention; false means the session was already terminal.
		Finalize(ctx context.Context, id uuid.UUID, status model.SessionStatus, completedAt time.Time, purgeAfter *time.Time) (bool, error)
		SetEnhancementJob(ctx context.Context, id uuid.UUID, jobID uuid.UUID) (bool, error)
		MarkPurged(ctx context.Context, id uuid.UUID, at time.Time) error
		ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Session, error)
		CountByPolicy(ctx context.Context, policyID uuid.UUID) (int, error)
	}

	// PolicyStore persists retention policies.
	PolicyStore interface {
		Create(ctx context.Context, p *model.RetentionPolicy) error
		Get(ctx context.Context, id uuid.UUID) (*model.RetentionPolicy, error)
		// GetByName resolves tenant policies first, then system policies.
		GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*model.RetentionPolicy, error)
		List(ctx context.Context, tenantID uuid.UUID) ([]model.RetentionPolicy, error)
		Delete(ctx context.Context, id uuid.UUID) error
	}

	// EndpointStore persists webhook endpoints.
	EndpointStore interface {
		Create(ctx context.Context, e *model.WebhookEndpoint) error
		Get(ctx context.Context, id uuid.UUID) (*model.WebhookEndpoint, error)
		// ListSubscribed returns active endpoints whose event set covers the
		// event type (exact match or wildcard).
		ListSubscribed(ctx context.Context, tenantID uuid.UUID, eventType string) ([]model.WebhookEndpoint, error)
		RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
		// IncrementFailures bumps the consecutive-failure counter and
		// returns the new count.
		IncrementFailures(ctx context.Context, id uuid.UUID) (int, error)
		Disable(ctx context.Context, id uuid.UUID, reason string) error
		// Enable reactivates an endpoint, clearing the failure counter and
		// disabled reason.
		Enable(ctx context.Context, id uuid.UUID) error
		// RotateSecret replaces the signing secret; like re-enable, it
		// clears the failure counter and disabled reason.
		RotateSecret(ctx context.Context, id uuid.UUID, secret string) error
	}

	// DeliveryStore persists webhook delivery attempts.
	DeliveryStore interface {
		// CreateOrGet inserts a delivery row, or returns the existing row
		// for the same (endpoint or url_override, job, event type).
		CreateOrGet(ctx context.Context, d *model.WebhookDelivery) (*model.WebhookDelivery, bool, error)
		Get(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error)
		// ClaimDue locks and returns up to limit pending deliveries due for
		// attempt, skipping rows locked by concurrent schedulers. Call
		// inside WithTx.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.WebhookDelivery, error)
		Update(ctx context.Context, d *model.WebhookDelivery) error
	}

	// ArtifactStore persists per-blob retention rows.
	ArtifactStore interface {
		Create(ctx context.Context, a *model.Artifact) error
		ListByOwner(ctx context.Context, ownerType model.OwnerType, ownerID uuid.UUID) ([]model.Artifact, error)
		// MarkAvailable stamps available_at on every row of an owner and
		// computes purge_after = available_at + ttl for rows with a TTL.
		MarkAvailable(ctx context.Context, ownerType model.OwnerType, ownerID uuid.UUID, at time.Time) error
		ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Artifact, error)
		Delete(ctx context.Context, id uuid.UUID) error
	}

	// AuditStore persists audit entries. Callers treat failures as
	// fail-open; see the audit package.
	AuditStore interface {
		Append(ctx context.Context, e *model.AuditEntry) error
		ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]model.AuditEntry, error)
	}

	// SettingStore persists admin setting overrides. A nil tenant id reads
	// or writes system-wide overrides.
	SettingStore interface {
		Namespace(ctx context.Context, tenantID *uuid.UUID, namespace string) ([]model.SettingRow, error)
		Upsert(ctx context.Context, row model.SettingRow) error
		Delete(ctx context.Context, tenantID *uuid.UUID, namespace, key string) error
	}

	// TenantStore persists tenants.
	TenantStore interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
		// EnsureDefault creates the well-known default tenant if missing.
		EnsureDefault(ctx context.Context) error
	}
)
