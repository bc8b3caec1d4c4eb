// Package storetest provides an in-memory store.Store for tests. It honors
// the conditional-update and dedup contracts of the Postgres implementation
// but not row locking; tests that need lock semantics exercise the real
// store.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store"
)

// Memory is an in-memory store.Store.
type Memory struct {
	mu sync.Mutex

	JobsByID       map[uuid.UUID]*model.Job
	TasksByID      map[uuid.UUID]*model.Task
	SessionsByID   map[uuid.UUID]*model.Session
	PoliciesByID   map[uuid.UUID]*model.RetentionPolicy
	EndpointsByID  map[uuid.UUID]*model.WebhookEndpoint
	DeliveriesByID map[uuid.UUID]*model.WebhookDelivery
	ArtifactsByID  map[uuid.UUID]*model.Artifact
	AuditEntries   []model.AuditEntry
	SettingRows    []model.SettingRow

	// FailAudit makes audit appends fail, for fail-open tests.
	FailAudit bool
}

var _ store.Store = (*Memory)(nil)

// New builds an empty in-memory store with the system retention policies
// seeded, mirroring the schema bootstrap.
func New() *Memory {
	m := &Memory{
		JobsByID:       map[uuid.UUID]*model.Job{},
		TasksByID:      map[uuid.UUID]*model.Task{},
		SessionsByID:   map[uuid.UUID]*model.Session{},
		PoliciesByID:   map[uuid.UUID]*model.RetentionPolicy{},
		EndpointsByID:  map[uuid.UUID]*model.WebhookEndpoint{},
		DeliveriesByID: map[uuid.UUID]*model.WebhookDelivery{},
		ArtifactsByID:  map[uuid.UUID]*model.Artifact{},
	}
	hours := 720
	m.PoliciesByID[uuid.MustParse("00000000-0000-0000-0000-000000000001")] = &model.RetentionPolicy{
		ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Name: "default",
		Mode: model.RetentionAutoDelete, Hours: &hours, Scope: model.ScopeAll,
		RealtimeMode: model.RealtimeInherit, IsSystem: true,
	}
	m.PoliciesByID[uuid.MustParse("00000000-0000-0000-0000-000000000002")] = &model.RetentionPolicy{
		ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Name: "zero-retention",
		Mode: model.RetentionNone, Scope: model.ScopeAll,
		RealtimeMode: model.RealtimeInherit, IsSystem: true,
	}
	m.PoliciesByID[uuid.MustParse("00000000-0000-0000-0000-000000000003")] = &model.RetentionPolicy{
		ID: uuid.MustParse("00000000-0000-0000-0000-000000000003"), Name: "keep",
		Mode: model.RetentionKeep, Scope: model.ScopeAll,
		RealtimeMode: model.RealtimeInherit, IsSystem: true,
	}
	return m
}

func (m *Memory) Jobs() store.JobStore            { return (*memJobs)(m) }
func (m *Memory) Tasks() store.TaskStore          { return (*memTasks)(m) }
func (m *Memory) Sessions() store.SessionStore    { return (*memSessions)(m) }
func (m *Memory) Policies() store.PolicyStore     { return (*memPolicies)(m) }
func (m *Memory) Endpoints() store.EndpointStore  { return (*memEndpoints)(m) }
func (m *Memory) Deliveries() store.DeliveryStore { return (*memDeliveries)(m) }
func (m *Memory) Artifacts() store.ArtifactStore  { return (*memArtifacts)(m) }
func (m *Memory) Audit() store.AuditStore         { return (*memAudit)(m) }
func (m *Memory) Settings() store.SettingStore    { return (*memSettings)(m) }
func (m *Memory) Tenants() store.TenantStore      { return (*memTenants)(m) }

// WithTx runs fn against the same store; the fake has no transaction
// isolation.
func (m *Memory) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(m)
}

type (
	memJobs       Memory
	memTasks      Memory
	memSessions   Memory
	memPolicies   Memory
	memEndpoints  Memory
	memDeliveries Memory
	memArtifacts  Memory
	memAudit      Memory
	memSettings   Memory
	memTenants    Memory
)

func copyJob(j *model.Job) *model.Job { cp := *j; return &cp }

func (m *memJobs) Create(_ context.Context, job *model.Job) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	mm.JobsByID[job.ID] = copyJob(job)
	return nil
}

func (m *memJobs) Get(_ context.Context, id uuid.UUID) (*model.Job, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	job, ok := mm.JobsByID[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return copyJob(job), nil
}

func (m *memJobs) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	return m.Get(ctx, id)
}

func (m *memJobs) List(_ context.Context, tenantID uuid.UUID, limit int, createdBefore *time.Time) ([]model.Job, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var jobs []model.Job
	for _, j := range mm.JobsByID {
		if j.TenantID != tenantID {
			continue
		}
		if createdBefore != nil && !j.CreatedAt.Before(*createdBefore) {
			continue
		}
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *memJobs) UpdateStatus(_ context.Context, id uuid.UUID, from []model.JobStatus, to model.JobStatus, upd store.JobUpdate) (bool, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	job, ok := mm.JobsByID[id]
	if !ok {
		return false, nil
	}
	admissible := false
	for _, st := range from {
		if job.Status == st {
			admissible = true
			break
		}
	}
	if !admissible {
		return false, nil
	}
	job.Status = to
	if upd.Error != nil {
		job.Error = *upd.Error
	}
	if upd.StartedAt != nil {
		job.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = upd.CompletedAt
	}
	return true, nil
}

func (m *memJobs) SetResultStats(_ context.Context, id uuid.UUID, stats store.JobResultStats) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	job, ok := mm.JobsByID[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	job.AudioDurationSeconds = stats.AudioDurationSeconds
	job.ResultLanguageCode = stats.LanguageCode
	job.ResultWordCount = stats.WordCount
	job.ResultSegmentCount = stats.SegmentCount
	job.ResultSpeakerCount = stats.SpeakerCount
	job.ResultCharacterCount = stats.CharacterCount
	return nil
}

func (m *memJobs) SetRetention(_ context.Context, id uuid.UUID, purgeAfter *time.Time) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	job, ok := mm.JobsByID[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	job.PurgeAfter = purgeAfter
	return nil
}

func (m *memJobs) MarkPurged(_ context.Context, id uuid.UUID, at time.Time) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	job, ok := mm.JobsByID[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	job.PurgedAt = &at
	return nil
}

func (m *memJobs) ListExpired(_ context.Context, now time.Time, limit int) ([]model.Job, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var jobs []model.Job
	for _, j := range mm.JobsByID {
		if j.PurgeAfter != nil && !j.PurgeAfter.After(now) && j.PurgedAt == nil {
			jobs = append(jobs, *j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].PurgeAfter.Before(*jobs[k].PurgeAfter) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *memJobs) CountByPolicy(_ context.Context, policyID uuid.UUID) (int, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	count := 0
	for _, j := range mm.JobsByID {
		if j.RetentionPolicyID != nil && *j.RetentionPolicyID == policyID {
			count++
		}
	}
	return count, nil
}

func copyTask(t *model.Task) *model.Task { cp := *t; return &cp }

func (m *memTasks) CreateBatch(_ context.Context, tasks []model.Task) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for i := range tasks {
		t := tasks[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.Status == "" {
			t.Status = model.TaskPending
		}
		if t.CreatedAt.IsZero() {
			// Preserve creation order for ListByJob.
			t.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Microsecond)
		}
		mm.TasksByID[t.ID] = copyTask(&t)
	}
	return nil
}

func (m *memTasks) Get(_ context.Context, id uuid.UUID) (*model.Task, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	t, ok := mm.TasksByID[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return copyTask(t), nil
}

func (m *memTasks) ListByJob(_ context.Context, jobID uuid.UUID) ([]model.Task, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var tasks []model.Task
	for _, t := range mm.TasksByID {
		if t.JobID == jobID {
			tasks = append(tasks, *t)
		}
	}
	sort.Slice(tasks, func(i, k int) bool {
		if tasks[i].CreatedAt.Equal(tasks[k].CreatedAt) {
			return tasks[i].Stage < tasks[k].Stage
		}
		return tasks[i].CreatedAt.Before(tasks[k].CreatedAt)
	})
	return tasks, nil
}

func (m *memTasks) UpdateStatus(_ context.Context, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus, upd store.TaskUpdate) (bool, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	t, ok := mm.TasksByID[id]
	if !ok {
		return false, nil
	}
	admissible := false
	for _, st := range from {
		if t.Status == st {
			admissible = true
			break
		}
	}
	if !admissible {
		return false, nil
	}
	t.Status = to
	if upd.Error != nil {
		t.Error = *upd.Error
	}
	if upd.OutputURI != nil {
		t.OutputURI = *upd.OutputURI
	}
	if upd.StartedAt != nil {
		t.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		t.CompletedAt = upd.CompletedAt
	}
	if upd.IncrementRetries {
		t.Retries++
	}
	return true, nil
}

func (m *memTasks) SetInputURI(_ context.Context, id uuid.UUID, uri string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	t, ok := mm.TasksByID[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	t.InputURI = uri
	return nil
}

func copySession(s *model.Session) *model.Session { cp := *s; return &cp }

func (m *memSessions) Create(_ context.Context, s *model.Session) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = model.SessionActive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	mm.SessionsByID[s.ID] = copySession(s)
	return nil
}

func (m *memSessions) Get(_ context.Context, id uuid.UUID) (*model.Session, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	s, ok := mm.SessionsByID[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return copySession(s), nil
}

func (m *memSessions) List(_ context.Context, tenantID uuid.UUID, limit int, createdBefore *time.Time) ([]model.Session, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var sessions []model.Session
	for _, s := range mm.SessionsByID {
		if s.TenantID != tenantID {
			continue
		}
		if createdBefore != nil && !s.CreatedAt.Before(*createdBefore) {
			continue
		}
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, k int) bool { return sessions[i].CreatedAt.After(sessions[k].CreatedAt) })
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (m *memSessions) UpdateStats(_ context.Context, id uuid.UUID, upd store.SessionUpdate) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	s, ok := mm.SessionsByID[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if upd.AudioDurationSeconds != nil {
		s.AudioDurationSeconds = *upd.AudioDurationSeconds
	}
	if upd.SegmentCount != nil {
		s.SegmentCount = *upd.SegmentCount
	}
	if upd.WordCount != nil {
		s.WordCount = *upd.WordCount
	}
	if upd.AudioURI != nil {
		s.AudioURI = *upd.AudioURI
	}
	if upd.TranscriptURI != nil {
		s.TranscriptURI = *upd.TranscriptURI
	}
	return nil
}

func (m *memSessions) Finalize(_ context.Context, id uuid.UUID, status model.SessionStatus, completedAt time.Time, purgeAfter *time.Time) (bool, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	s, ok := mm.SessionsByID[id]
	if !ok || s.Status != model.SessionActive {
		return false, nil
	}
	s.Status = status
	s.CompletedAt = &completedAt
	s.PurgeAfter = purgeAfter
	return true, nil
}

func (m *memSessions) SetEnhancementJob(_ context.Context, id uuid.UUID, jobID uuid.UUID) (bool, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	s, ok := mm.SessionsByID[id]
	if !ok || s.EnhancementJobID != nil {
		return false, nil
	}
	s.EnhancementJobID = &jobID
	return true, nil
}

func (m *memSessions) MarkPurged(_ context.Context, id uuid.UUID, at time.Time) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	s, ok := mm.SessionsByID[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	s.PurgedAt = &at
	return nil
}

func (m *memSessions) ListExpired(_ context.Context, now time.Time, limit int) ([]model.Session, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var sessions []model.Session
	for _, s := range mm.SessionsByID {
		if s.PurgeAfter != nil && !s.PurgeAfter.After(now) && s.PurgedAt == nil {
			sessions = append(sessions, *s)
		}
	}
	sort.Slice(sessions, func(i, k int) bool { return sessions[i].PurgeAfter.Before(*sessions[k].PurgeAfter) })
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (m *memSessions) CountByPolicy(_ context.Context, policyID uuid.UUID) (int, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	count := 0
	for _, s := range mm.SessionsByID {
		if s.RetentionPolicyID != nil && *s.RetentionPolicyID == policyID {
			count++
		}
	}
	return count, nil
}

func (m *memPolicies) Create(_ context.Context, p *model.RetentionPolicy) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	mm.PoliciesByID[p.ID] = &cp
	return nil
}

func (m *memPolicies) Get(_ context.Context, id uuid.UUID) (*model.RetentionPolicy, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	p, ok := mm.PoliciesByID[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memPolicies) GetByName(_ context.Context, tenantID uuid.UUID, name string) (*model.RetentionPolicy, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var system *model.RetentionPolicy
	for _, p := range mm.PoliciesByID {
		if p.Name != name {
			continue
		}
		if p.TenantID != nil && *p.TenantID == tenantID {
			cp := *p
			return &cp, nil
		}
		if p.TenantID == nil {
			system = p
		}
	}
	if system != nil {
		cp := *system
		return &cp, nil
	}
	return nil, fmt.Errorf("policy %q: %w", name, store.ErrNotFound)
}

func (m *memPolicies) List(_ context.Context, tenantID uuid.UUID) ([]model.RetentionPolicy, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var policies []model.RetentionPolicy
	for _, p := range mm.PoliciesByID {
		if p.TenantID == nil || *p.TenantID == tenantID {
			policies = append(policies, *p)
		}
	}
	sort.Slice(policies, func(i, k int) bool {
		if policies[i].IsSystem != policies[k].IsSystem {
			return policies[i].IsSystem
		}
		return policies[i].Name < policies[k].Name
	})
	return policies, nil
}

func (m *memPolicies) Delete(_ context.Context, id uuid.UUID) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.PoliciesByID[id]; !ok {
		return fmt.Errorf("policy %s: %w", id, store.ErrNotFound)
	}
	delete(mm.PoliciesByID, id)
	return nil
}

func (m *memEndpoints) Create(_ context.Context, e *model.WebhookEndpoint) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	mm.EndpointsByID[e.ID] = &cp
	return nil
}

func (m *memEndpoints) Get(_ context.Context, id uuid.UUID) (*model.WebhookEndpoint, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	e, ok := mm.EndpointsByID[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *memEndpoints) ListSubscribed(_ context.Context, tenantID uuid.UUID, eventType string) ([]model.WebhookEndpoint, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var endpoints []model.WebhookEndpoint
	for _, e := range mm.EndpointsByID {
		if e.TenantID != tenantID || !e.IsActive {
			continue
		}
		for _, ev := range e.Events {
			if ev == "*" || ev == eventType {
				endpoints = append(endpoints, *e)
				break
			}
		}
	}
	sort.Slice(endpoints, func(i, k int) bool { return endpoints[i].CreatedAt.Before(endpoints[k].CreatedAt) })
	return endpoints, nil
}

func (m *memEndpoints) RecordSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	e, ok := mm.EndpointsByID[id]
	if !ok {
		return fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	e.ConsecutiveFailures = 0
	e.LastSuccessAt = &at
	return nil
}

func (m *memEndpoints) IncrementFailures(_ context.Context, id uuid.UUID) (int, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	e, ok := mm.EndpointsByID[id]
	if !ok {
		return 0, fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	e.ConsecutiveFailures++
	return e.ConsecutiveFailures, nil
}

func (m *memEndpoints) Disable(_ context.Context, id uuid.UUID, reason string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	e, ok := mm.EndpointsByID[id]
	if !ok {
		return fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	e.IsActive = false
	e.DisabledReason = reason
	return nil
}

func (m *memEndpoints) Enable(_ context.Context, id uuid.UUID) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	e, ok := mm.EndpointsByID[id]
	if !ok {
		return fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	e.IsActive = true
	e.ConsecutiveFailures = 0
	e.DisabledReason = ""
	return nil
}

func (m *memEndpoints) RotateSecret(_ context.Context, id uuid.UUID, secret string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	e, ok := mm.EndpointsByID[id]
	if !ok {
		return fmt.Errorf("endpoint %s: %w", id, store.ErrNotFound)
	}
	e.SigningSecret = secret
	e.ConsecutiveFailures = 0
	e.DisabledReason = ""
	return nil
}

func (m *memDeliveries) CreateOrGet(_ context.Context, d *model.WebhookDelivery) (*model.WebhookDelivery, bool, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, existing := range mm.DeliveriesByID {
		if existing.EventType != d.EventType {
			continue
		}
		if !uuidPtrEqual(existing.JobID, d.JobID) {
			continue
		}
		if d.EndpointID != nil {
			if uuidPtrEqual(existing.EndpointID, d.EndpointID) {
				cp := *existing
				return &cp, false, nil
			}
		} else if existing.EndpointID == nil && existing.URLOverride == d.URLOverride {
			cp := *existing
			return &cp, false, nil
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	mm.DeliveriesByID[d.ID] = &cp
	return d, true, nil
}

func (m *memDeliveries) Get(_ context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	d, ok := mm.DeliveriesByID[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, store.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *memDeliveries) ClaimDue(_ context.Context, now time.Time, limit int) ([]model.WebhookDelivery, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var due []model.WebhookDelivery
	for _, d := range mm.DeliveriesByID {
		if d.Status == model.DeliveryPending && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			due = append(due, *d)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextRetryAt.Before(*due[k].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memDeliveries) Update(_ context.Context, d *model.WebhookDelivery) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, ok := mm.DeliveriesByID[d.ID]; !ok {
		return fmt.Errorf("delivery %s: %w", d.ID, store.ErrNotFound)
	}
	cp := *d
	mm.DeliveriesByID[d.ID] = &cp
	return nil
}

func (m *memArtifacts) Create(_ context.Context, a *model.Artifact) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	mm.ArtifactsByID[a.ID] = &cp
	return nil
}

func (m *memArtifacts) ListByOwner(_ context.Context, ownerType model.OwnerType, ownerID uuid.UUID) ([]model.Artifact, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var artifacts []model.Artifact
	for _, a := range mm.ArtifactsByID {
		if a.OwnerType == ownerType && a.OwnerID == ownerID {
			artifacts = append(artifacts, *a)
		}
	}
	sort.Slice(artifacts, func(i, k int) bool { return artifacts[i].URI < artifacts[k].URI })
	return artifacts, nil
}

func (m *memArtifacts) MarkAvailable(_ context.Context, ownerType model.OwnerType, ownerID uuid.UUID, at time.Time) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, a := range mm.ArtifactsByID {
		if a.OwnerType != ownerType || a.OwnerID != ownerID {
			continue
		}
		avail := at
		a.AvailableAt = &avail
		if a.TTLSeconds != nil {
			purge := at.Add(time.Duration(*a.TTLSeconds) * time.Second)
			a.PurgeAfter = &purge
		} else {
			a.PurgeAfter = nil
		}
	}
	return nil
}

func (m *memArtifacts) ListExpired(_ context.Context, now time.Time, limit int) ([]model.Artifact, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var artifacts []model.Artifact
	for _, a := range mm.ArtifactsByID {
		if a.PurgeAfter != nil && !a.PurgeAfter.After(now) {
			artifacts = append(artifacts, *a)
		}
	}
	sort.Slice(artifacts, func(i, k int) bool { return artifacts[i].PurgeAfter.Before(*artifacts[k].PurgeAfter) })
	if len(artifacts) > limit {
		artifacts = artifacts[:limit]
	}
	return artifacts, nil
}

func (m *memArtifacts) Delete(_ context.Context, id uuid.UUID) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.ArtifactsByID, id)
	return nil
}

func (m *memAudit) Append(_ context.Context, e *model.AuditEntry) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.FailAudit {
		return fmt.Errorf("audit store unavailable")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	mm.AuditEntries = append(mm.AuditEntries, *e)
	return nil
}

func (m *memAudit) ListByResource(_ context.Context, resourceType, resourceID string, limit int) ([]model.AuditEntry, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var entries []model.AuditEntry
	for i := len(mm.AuditEntries) - 1; i >= 0 && len(entries) < limit; i-- {
		e := mm.AuditEntries[i]
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *memSettings) Namespace(_ context.Context, tenantID *uuid.UUID, namespace string) ([]model.SettingRow, error) {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var rows []model.SettingRow
	for _, r := range mm.SettingRows {
		if r.Namespace != namespace {
			continue
		}
		if uuidPtrEqual(r.TenantID, tenantID) {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func (m *memSettings) Upsert(_ context.Context, row model.SettingRow) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	row.UpdatedAt = time.Now().UTC()
	for i, r := range mm.SettingRows {
		if r.Namespace == row.Namespace && r.Key == row.Key && uuidPtrEqual(r.TenantID, row.TenantID) {
			mm.SettingRows[i] = row
			return nil
		}
	}
	mm.SettingRows = append(mm.SettingRows, row)
	return nil
}

func (m *memSettings) Delete(_ context.Context, tenantID *uuid.UUID, namespace, key string) error {
	mm := (*Memory)(m)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for i, r := range mm.SettingRows {
		if r.Namespace == namespace && r.Key == key && uuidPtrEqual(r.TenantID, tenantID) {
			mm.SettingRows = append(mm.SettingRows[:i], mm.SettingRows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memTenants) Get(_ context.Context, id uuid.UUID) (*model.Tenant, error) {
	if id == model.DefaultTenantID {
		return &model.Tenant{ID: id, Name: "default"}, nil
	}
	return nil, fmt.Errorf("tenant %s: %w", id, store.ErrNotFound)
}

func (m *memTenants) EnsureDefault(_ context.Context) error { return nil }

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
