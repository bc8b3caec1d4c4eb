package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dalston.dev/dalston/model"
)

type (
	auditStore   struct{ d *DB }
	settingStore struct{ d *DB }
	tenantStore  struct{ d *DB }
)

type auditRow struct {
	ID           uuid.UUID  `db:"id"`
	TenantID     *uuid.UUID `db:"tenant_id"`
	Action       string     `db:"action"`
	ResourceType string     `db:"resource_type"`
	ResourceID   string     `db:"resource_id"`
	Metadata     []byte     `db:"metadata"`
	CreatedAt    time.Time  `db:"created_at"`
}

func (s *auditStore) Append(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta, err := encodeMap(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.d.ext.ExecContext(ctx, `
		INSERT INTO audit_log (id, tenant_id, action, resource_type,
			resource_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TenantID, e.Action, e.ResourceType, e.ResourceID, meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *auditStore) ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]model.AuditEntry, error) {
	var rows []auditRow
	query := `SELECT id, tenant_id, action, resource_type, resource_id,
		metadata, created_at FROM audit_log
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC LIMIT $3`
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, resourceType, resourceID, limit); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	entries := make([]model.AuditEntry, 0, len(rows))
	for _, r := range rows {
		meta, err := decodeMap(r.Metadata)
		if err != nil {
			return nil, err
		}
		entries = append(entries, model.AuditEntry{
			ID:           r.ID,
			TenantID:     r.TenantID,
			Action:       r.Action,
			ResourceType: r.ResourceType,
			ResourceID:   r.ResourceID,
			Metadata:     meta,
			CreatedAt:    r.CreatedAt,
		})
	}
	return entries, nil
}

func (s *settingStore) Namespace(ctx context.Context, tenantID *uuid.UUID, namespace string) ([]model.SettingRow, error) {
	var rows []model.SettingRow
	var err error
	if tenantID != nil {
		err = sqlx.SelectContext(ctx, s.d.ext, &rows, `
			SELECT tenant_id, namespace, key, value, updated_at FROM settings
			WHERE tenant_id = $1 AND namespace = $2`, *tenantID, namespace)
	} else {
		err = sqlx.SelectContext(ctx, s.d.ext, &rows, `
			SELECT tenant_id, namespace, key, value, updated_at FROM settings
			WHERE tenant_id IS NULL AND namespace = $1`, namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("load settings namespace %q: %w", namespace, err)
	}
	return rows, nil
}

func (s *settingStore) Upsert(ctx context.Context, row model.SettingRow) error {
	row.UpdatedAt = time.Now().UTC()
	_, err := s.d.ext.ExecContext(ctx, `
		INSERT INTO settings (tenant_id, namespace, key, value, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (COALESCE(tenant_id, 'ffffffff-ffff-ffff-ffff-ffffffffffff'::uuid), namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		row.TenantID, row.Namespace, row.Key, row.Value, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert setting %s/%s: %w", row.Namespace, row.Key, err)
	}
	return nil
}

func (s *settingStore) Delete(ctx context.Context, tenantID *uuid.UUID, namespace, key string) error {
	var err error
	if tenantID != nil {
		_, err = s.d.ext.ExecContext(ctx, `
			DELETE FROM settings WHERE tenant_id = $1 AND namespace = $2 AND key = $3`,
			*tenantID, namespace, key)
	} else {
		_, err = s.d.ext.ExecContext(ctx, `
			DELETE FROM settings WHERE tenant_id IS NULL AND namespace = $1 AND key = $2`,
			namespace, key)
	}
	if err != nil {
		return fmt.Errorf("delete setting %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *tenantStore) Get(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	var row struct {
		ID        uuid.UUID `db:"id"`
		Name      string    `db:"name"`
		Settings  []byte    `db:"settings"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := sqlx.GetContext(ctx, s.d.ext, &row,
		`SELECT id, name, settings, created_at, updated_at FROM tenants WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "get tenant")
	}
	settings, err := decodeMap(row.Settings)
	if err != nil {
		return nil, err
	}
	return &model.Tenant{
		ID:        row.ID,
		Name:      row.Name,
		Settings:  settings,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *tenantStore) EnsureDefault(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := s.d.ext.ExecContext(ctx, `
		INSERT INTO tenants (id, name, settings, created_at, updated_at)
		VALUES ($1, 'default', '{}', $2, $2)
		ON CONFLICT (id) DO NOTHING`, model.DefaultTenantID, now)
	if err != nil {
		return fmt.Errorf("ensure default tenant: %w", err)
	}
	return nil
}
