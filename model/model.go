// Package model defines the persistent entities of the Dalston control plane
// and the typed views of their open parameter maps.
//
// Entities are plain structs persisted by the store package. Cyclic
// relationships (Job ↔ Tasks, Worker ↔ Sessions) are expressed as primary
// keys and back-indexes, never in-memory pointer graphs: a Task owns its
// parent via JobID and a job's tasks are enumerated by query.
package model

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Tenant is the isolation unit. A single well-known default tenant
	// always exists for deployments without auth.
	Tenant struct {
		ID        uuid.UUID      `db:"id"`
		Name      string         `db:"name"`
		Settings  map[string]any `db:"-"`
		CreatedAt time.Time      `db:"created_at"`
		UpdatedAt time.Time      `db:"updated_at"`
	}

	// Job is a batch transcription request. Result* fields are populated on
	// successful completion from the merge task's output.
	Job struct {
		ID                uuid.UUID      `db:"id"`
		TenantID          uuid.UUID      `db:"tenant_id"`
		Status            JobStatus      `db:"status"`
		AudioURI          string         `db:"audio_uri"`
		Parameters        map[string]any `db:"-"`
		WebhookURL        string         `db:"webhook_url"`
		WebhookMetadata   map[string]any `db:"-"`
		Error             string         `db:"error"`
		RetentionPolicyID *uuid.UUID     `db:"retention_policy_id"`

		AudioDurationSeconds *float64 `db:"audio_duration_seconds"`
		ResultLanguageCode   *string  `db:"result_language_code"`
		ResultWordCount      *int     `db:"result_word_count"`
		ResultSegmentCount   *int     `db:"result_segment_count"`
		ResultSpeakerCount   *int     `db:"result_speaker_count"`
		ResultCharacterCount *int     `db:"result_character_count"`

		PurgeAfter *time.Time `db:"purge_after"`
		PurgedAt   *time.Time `db:"purged_at"`

		CreatedAt   time.Time  `db:"created_at"`
		StartedAt   *time.Time `db:"started_at"`
		CompletedAt *time.Time `db:"completed_at"`
	}

	// Task is an atomic unit of work inside a Job's DAG. Dependencies refer
	// only to tasks in the same job; the induced digraph is acyclic.
	Task struct {
		ID           uuid.UUID      `db:"id"`
		JobID        uuid.UUID      `db:"job_id"`
		Stage        string         `db:"stage"`
		EngineID     string         `db:"engine_id"`
		Status       TaskStatus     `db:"status"`
		Dependencies []uuid.UUID    `db:"-"`
		Config       map[string]any `db:"-"`
		InputURI     string         `db:"input_uri"`
		OutputURI    string         `db:"output_uri"`
		Retries      int            `db:"retries"`
		MaxRetries   int            `db:"max_retries"`
		Required     bool           `db:"required"`
		Error        string         `db:"error"`
		CreatedAt    time.Time      `db:"created_at"`
		StartedAt    *time.Time     `db:"started_at"`
		CompletedAt  *time.Time     `db:"completed_at"`
	}

	// Session is a realtime transcription session record. Sessions never own
	// tasks; a finalized session may link to a batch enhancement job instead.
	Session struct {
		ID                uuid.UUID     `db:"id"`
		TenantID          uuid.UUID     `db:"tenant_id"`
		Status            SessionStatus `db:"status"`
		Language          string        `db:"language"`
		Model             string        `db:"model"`
		Engine            string        `db:"engine"`
		Encoding          string        `db:"encoding"`
		SampleRate        int           `db:"sample_rate"`
		WorkerID          string        `db:"worker_id"`
		ClientIP          string        `db:"client_ip"`
		PreviousSessionID *uuid.UUID    `db:"previous_session_id"`

		AudioDurationSeconds float64 `db:"audio_duration_seconds"`
		SegmentCount         int     `db:"segment_count"`
		WordCount            int     `db:"word_count"`

		AudioURI         string     `db:"audio_uri"`
		TranscriptURI    string     `db:"transcript_uri"`
		EnhancementJobID *uuid.UUID `db:"enhancement_job_id"`

		RetentionPolicyID *uuid.UUID `db:"retention_policy_id"`
		PurgeAfter        *time.Time `db:"purge_after"`
		PurgedAt          *time.Time `db:"purged_at"`

		CreatedAt   time.Time  `db:"created_at"`
		CompletedAt *time.Time `db:"completed_at"`
	}

	// RetentionPolicy is a deletion contract. System policies have a nil
	// TenantID and cannot be deleted; a policy referenced by any job or
	// session is in-use and cannot be deleted either.
	RetentionPolicy struct {
		ID       uuid.UUID      `db:"id"`
		TenantID *uuid.UUID     `db:"tenant_id"`
		Name     string         `db:"name"`
		Mode     RetentionMode  `db:"mode"`
		Hours    *int           `db:"hours"`
		Scope    RetentionScope `db:"scope"`

		RealtimeMode                RealtimeRetentionMode `db:"realtime_mode"`
		RealtimeHours               *int                  `db:"realtime_hours"`
		DeleteRealtimeOnEnhancement bool                  `db:"delete_realtime_on_enhancement"`

		IsSystem  bool      `db:"is_system"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	// WebhookEndpoint is a persistent subscription. Events holds event names
	// or the wildcard "*".
	WebhookEndpoint struct {
		ID                  uuid.UUID  `db:"id"`
		TenantID            uuid.UUID  `db:"tenant_id"`
		URL                 string     `db:"url"`
		Events              []string   `db:"-"`
		SigningSecret       string     `db:"signing_secret"`
		IsActive            bool       `db:"is_active"`
		ConsecutiveFailures int        `db:"consecutive_failures"`
		LastSuccessAt       *time.Time `db:"last_success_at"`
		DisabledReason      string     `db:"disabled_reason"`
		CreatedAt           time.Time  `db:"created_at"`
		UpdatedAt           time.Time  `db:"updated_at"`
	}

	// WebhookDelivery is a single delivery attempt record. EndpointID is nil
	// for per-job webhooks, which carry URLOverride and sign with the global
	// secret. At most one row exists per (endpoint or url_override, job,
	// event type); duplicate inserts return the existing row.
	WebhookDelivery struct {
		ID             uuid.UUID      `db:"id"`
		EndpointID     *uuid.UUID     `db:"endpoint_id"`
		JobID          *uuid.UUID     `db:"job_id"`
		EventType      string         `db:"event_type"`
		Payload        map[string]any `db:"-"`
		URLOverride    string         `db:"url_override"`
		Status         DeliveryStatus `db:"status"`
		Attempts       int            `db:"attempts"`
		LastStatusCode *int           `db:"last_status_code"`
		LastError      string         `db:"last_error"`
		LastAttemptAt  *time.Time     `db:"last_attempt_at"`
		NextRetryAt    *time.Time     `db:"next_retry_at"`
		CreatedAt      time.Time      `db:"created_at"`
	}

	// Artifact tracks one persisted blob independently of its owner so the
	// retention engine can purge per-blob. PurgeAfter stays nil until the
	// owner finalizes and MarkAvailable stamps AvailableAt.
	Artifact struct {
		ID          uuid.UUID  `db:"id"`
		OwnerType   OwnerType  `db:"owner_type"`
		OwnerID     uuid.UUID  `db:"owner_id"`
		URI         string     `db:"uri"`
		Kind        string     `db:"kind"`
		TTLSeconds  *int       `db:"ttl_seconds"`
		AvailableAt *time.Time `db:"available_at"`
		PurgeAfter  *time.Time `db:"purge_after"`
		CreatedAt   time.Time  `db:"created_at"`
	}

	// AuditEntry is one append-only record of a significant action. Writes
	// are best-effort and never block business operations.
	AuditEntry struct {
		ID           uuid.UUID      `db:"id"`
		TenantID     *uuid.UUID     `db:"tenant_id"`
		Action       string         `db:"action"`
		ResourceType string         `db:"resource_type"`
		ResourceID   string         `db:"resource_id"`
		Metadata     map[string]any `db:"-"`
		CreatedAt    time.Time      `db:"created_at"`
	}

	// SettingRow is one admin override for a namespaced setting key. A nil
	// TenantID marks a system-wide override.
	SettingRow struct {
		TenantID  *uuid.UUID `db:"tenant_id"`
		Namespace string     `db:"namespace"`
		Key       string     `db:"key"`
		Value     string     `db:"value"`
		UpdatedAt time.Time  `db:"updated_at"`
	}

	// OwnerType discriminates artifact owners.
	OwnerType string
)

const (
	// OwnerJob marks artifacts owned by a batch job.
	OwnerJob OwnerType = "job"
	// OwnerSession marks artifacts owned by a realtime session.
	OwnerSession OwnerType = "session"
)

// DefaultTenantID is the well-known tenant used by deployments without auth.
var DefaultTenantID = uuid.MustParse("00000000-0000-0000-0000-000000000000")

// DefaultMaxRetries is the retry budget a task gets unless its spec says otherwise.
const DefaultMaxRetries = 2

// DefaultTaskTimeout bounds a single task execution; the scanner enforces it
// via the timeout_at stamped on the queue message.
const DefaultTaskTimeout = 10 * time.Minute

// WebhookMetadataMaxBytes caps the JSON-encoded webhook_metadata echoed back
// in webhook payloads.
const WebhookMetadataMaxBytes = 16 * 1024
