// Package retention implements the retention engine: policy resolution,
// purge-deadline computation, and the cleanup worker that deletes expired
// artifacts and marks their owners purged.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store"
)

// Well-known system policy ids, seeded by the schema. System policies cannot
// be deleted.
var (
	SystemPolicyDefault       = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	SystemPolicyZeroRetention = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	SystemPolicyKeep          = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

var (
	// ErrPolicyInUse is returned when deleting a policy referenced by any
	// job or session.
	ErrPolicyInUse = errors.New("retention policy in use")
	// ErrSystemPolicy is returned when deleting a system policy.
	ErrSystemPolicy = errors.New("system policies cannot be deleted")
	// ErrInvalidPolicy tags policy validation failures.
	ErrInvalidPolicy = errors.New("invalid retention policy")
)

// Service resolves and manages retention policies.
type Service struct {
	store store.Store
}

// NewService builds a policy service over the state store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// CreatePolicy validates and persists a tenant policy.
func (s *Service) CreatePolicy(ctx context.Context, p *model.RetentionPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if !p.Mode.Valid(p.Hours) {
		if p.Mode == model.RetentionAutoDelete {
			return fmt.Errorf("%w: auto_delete requires hours >= 1", ErrInvalidPolicy)
		}
		return fmt.Errorf("%w: hours must be null for mode %q", ErrInvalidPolicy, p.Mode)
	}
	switch p.Scope {
	case model.ScopeAll, model.ScopeAudioOnly:
	case "":
		p.Scope = model.ScopeAll
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidPolicy, p.Scope)
	}
	switch p.RealtimeMode {
	case model.RealtimeInherit, model.RealtimeAutoDelete, model.RealtimeKeep, model.RealtimeNone:
	case "":
		p.RealtimeMode = model.RealtimeInherit
	default:
		return fmt.Errorf("%w: unknown realtime mode %q", ErrInvalidPolicy, p.RealtimeMode)
	}
	p.IsSystem = false

	if p.TenantID != nil {
		if existing, err := s.store.Policies().GetByName(ctx, *p.TenantID, p.Name); err == nil && existing.TenantID != nil {
			return fmt.Errorf("policy %q already exists: %w", p.Name, store.ErrConflict)
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	return s.store.Policies().Create(ctx, p)
}

// Resolve returns the policy to stamp on a new job or session: the named
// policy (tenant first, then system) or the system default.
func (s *Service) Resolve(ctx context.Context, tenantID uuid.UUID, name string) (*model.RetentionPolicy, error) {
	if name != "" {
		return s.store.Policies().GetByName(ctx, tenantID, name)
	}
	return s.store.Policies().Get(ctx, SystemPolicyDefault)
}

// Get returns a policy visible to the tenant (its own or a system policy).
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) (*model.RetentionPolicy, error) {
	p, err := s.store.Policies().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.TenantID != nil && *p.TenantID != tenantID {
		return nil, fmt.Errorf("policy %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

// List returns the tenant's policies plus system policies.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID) ([]model.RetentionPolicy, error) {
	return s.store.Policies().List(ctx, tenantID)
}

// DeletePolicy removes a tenant policy. System policies and in-use policies
// are protected.
func (s *Service) DeletePolicy(ctx context.Context, tenantID uuid.UUID, id uuid.UUID) error {
	p, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if p.IsSystem {
		return ErrSystemPolicy
	}
	if p.TenantID == nil || *p.TenantID != tenantID {
		return fmt.Errorf("policy %s: %w", id, store.ErrNotFound)
	}

	jobs, err := s.store.Jobs().CountByPolicy(ctx, id)
	if err != nil {
		return err
	}
	if jobs > 0 {
		return fmt.Errorf("%w: referenced by %d job(s)", ErrPolicyInUse, jobs)
	}
	sessions, err := s.store.Sessions().CountByPolicy(ctx, id)
	if err != nil {
		return err
	}
	if sessions > 0 {
		return fmt.Errorf("%w: referenced by %d session(s)", ErrPolicyInUse, sessions)
	}

	return s.store.Policies().Delete(ctx, id)
}

// PurgeAfter computes a job's deletion deadline from its policy and
// completion time. Keep never purges; none purges on the next sweep.
func PurgeAfter(p *model.RetentionPolicy, completedAt time.Time) *time.Time {
	if p == nil {
		return nil
	}
	switch p.Mode {
	case model.RetentionAutoDelete:
		if p.Hours == nil {
			return nil
		}
		t := completedAt.Add(time.Duration(*p.Hours) * time.Hour)
		return &t
	case model.RetentionNone:
		t := completedAt
		return &t
	default: // keep
		return nil
	}
}

// RealtimePurgeAfter computes a session's deletion deadline from the policy's
// realtime sub-policy, inheriting the batch mode when unset.
func RealtimePurgeAfter(p *model.RetentionPolicy, completedAt time.Time) *time.Time {
	if p == nil {
		return nil
	}
	mode := p.RealtimeMode
	hours := p.RealtimeHours
	if mode == model.RealtimeInherit || mode == "" {
		return PurgeAfter(p, completedAt)
	}
	switch mode {
	case model.RealtimeAutoDelete:
		if hours == nil {
			hours = p.Hours
		}
		if hours == nil {
			return nil
		}
		t := completedAt.Add(time.Duration(*hours) * time.Hour)
		return &t
	case model.RealtimeNone:
		t := completedAt
		return &t
	default: // keep
		return nil
	}
}
