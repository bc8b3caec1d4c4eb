package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store"
)

type policyStore struct{ d *DB }

type policyRow struct {
	ID                          uuid.UUID  `db:"id"`
	TenantID                    *uuid.UUID `db:"tenant_id"`
	Name                        string     `db:"name"`
	Mode                        string     `db:"mode"`
	Hours                       *int       `db:"hours"`
	Scope                       string     `db:"scope"`
	RealtimeMode                string     `db:"realtime_mode"`
	RealtimeHours               *int       `db:"realtime_hours"`
	DeleteRealtimeOnEnhancement bool       `db:"delete_realtime_on_enhancement"`
	IsSystem                    bool       `db:"is_system"`
	CreatedAt                   time.Time  `db:"created_at"`
	UpdatedAt                   time.Time  `db:"updated_at"`
}

const policyColumns = `id, tenant_id, name, mode, hours, scope, realtime_mode,
	realtime_hours, delete_realtime_on_enhancement, is_system, created_at, updated_at`

func (r policyRow) toModel() *model.RetentionPolicy {
	return &model.RetentionPolicy{
		ID:                          r.ID,
		TenantID:                    r.TenantID,
		Name:                        r.Name,
		Mode:                        model.RetentionMode(r.Mode),
		Hours:                       r.Hours,
		Scope:                       model.RetentionScope(r.Scope),
		RealtimeMode:                model.RealtimeRetentionMode(r.RealtimeMode),
		RealtimeHours:               r.RealtimeHours,
		DeleteRealtimeOnEnhancement: r.DeleteRealtimeOnEnhancement,
		IsSystem:                    r.IsSystem,
		CreatedAt:                   r.CreatedAt,
		UpdatedAt:                   r.UpdatedAt,
	}
}

func (s *policyStore) Create(ctx context.Context, p *model.RetentionPolicy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.RealtimeMode == "" {
		p.RealtimeMode = model.RealtimeInherit
	}
	_, err := s.d.ext.ExecContext(ctx, `
		INSERT INTO retention_policies (id, tenant_id, name, mode, hours,
			scope, realtime_mode, realtime_hours,
			delete_realtime_on_enhancement, is_system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.TenantID, p.Name, string(p.Mode), p.Hours, string(p.Scope),
		string(p.RealtimeMode), p.RealtimeHours, p.DeleteRealtimeOnEnhancement,
		p.IsSystem, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert retention policy: %w", err)
	}
	return nil
}

func (s *policyStore) Get(ctx context.Context, id uuid.UUID) (*model.RetentionPolicy, error) {
	var row policyRow
	query := `SELECT ` + policyColumns + ` FROM retention_policies WHERE id = $1`
	if err := sqlx.GetContext(ctx, s.d.ext, &row, query, id); err != nil {
		return nil, notFound(err, "get retention policy")
	}
	return row.toModel(), nil
}

func (s *policyStore) GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*model.RetentionPolicy, error) {
	var row policyRow
	// Tenant policies shadow system policies of the same name.
	query := `SELECT ` + policyColumns + ` FROM retention_policies
		WHERE name = $2 AND (tenant_id = $1 OR tenant_id IS NULL)
		ORDER BY tenant_id NULLS LAST LIMIT 1`
	if err := sqlx.GetContext(ctx, s.d.ext, &row, query, tenantID, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("policy %q: %w", name, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get retention policy by name: %w", err)
	}
	return row.toModel(), nil
}

func (s *policyStore) List(ctx context.Context, tenantID uuid.UUID) ([]model.RetentionPolicy, error) {
	var rows []policyRow
	query := `SELECT ` + policyColumns + ` FROM retention_policies
		WHERE tenant_id = $1 OR tenant_id IS NULL
		ORDER BY is_system DESC, name ASC`
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, tenantID); err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	policies := make([]model.RetentionPolicy, 0, len(rows))
	for _, r := range rows {
		policies = append(policies, *r.toModel())
	}
	return policies, nil
}

func (s *policyStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.d.ext.ExecContext(ctx, `DELETE FROM retention_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete retention policy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete retention policy: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("policy %s: %w", id, store.ErrNotFound)
	}
	return nil
}
