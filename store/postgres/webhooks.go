package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dalston.dev/dalston/model"
)

type endpointStore struct{ d *DB }

type endpointRow struct {
	ID                  uuid.UUID      `db:"id"`
	TenantID            uuid.UUID      `db:"tenant_id"`
	URL                 string         `db:"url"`
	Events              []byte         `db:"events"`
	SigningSecret       string         `db:"signing_secret"`
	IsActive            bool           `db:"is_active"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	LastSuccessAt       *time.Time     `db:"last_success_at"`
	DisabledReason      sql.NullString `db:"disabled_reason"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

const endpointColumns = `id, tenant_id, url, events, signing_secret,
	is_active, consecutive_failures, last_success_at, disabled_reason,
	created_at, updated_at`

func (r endpointRow) toModel() (*model.WebhookEndpoint, error) {
	events, err := decodeStrings(r.Events)
	if err != nil {
		return nil, err
	}
	return &model.WebhookEndpoint{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		URL:                 r.URL,
		Events:              events,
		SigningSecret:       r.SigningSecret,
		IsActive:            r.IsActive,
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastSuccessAt:       r.LastSuccessAt,
		DisabledReason:      strOrEmpty(r.DisabledReason),
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}, nil
}

func (s *endpointStore) Create(ctx context.Context, e *model.WebhookEndpoint) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	events, err := encodeStrings(e.Events)
	if err != nil {
		return err
	}
	_, err = s.d.ext.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, tenant_id, url, events,
			signing_secret, is_active, consecutive_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
		e.ID, e.TenantID, e.URL, events, e.SigningSecret, e.IsActive,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook endpoint: %w", err)
	}
	return nil
}

func (s *endpointStore) Get(ctx context.Context, id uuid.UUID) (*model.WebhookEndpoint, error) {
	var row endpointRow
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE id = $1`
	if err := sqlx.GetContext(ctx, s.d.ext, &row, query, id); err != nil {
		return nil, notFound(err, "get webhook endpoint")
	}
	return row.toModel()
}

func (s *endpointStore) ListSubscribed(ctx context.Context, tenantID uuid.UUID, eventType string) ([]model.WebhookEndpoint, error) {
	var rows []endpointRow
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints
		WHERE tenant_id = $1 AND is_active
		  AND (events @> $2::jsonb OR events @> '["*"]'::jsonb)
		ORDER BY created_at ASC`
	eventJSON, err := encodeStrings([]string{eventType})
	if err != nil {
		return nil, err
	}
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, tenantID, eventJSON); err != nil {
		return nil, fmt.Errorf("list subscribed endpoints: %w", err)
	}
	endpoints := make([]model.WebhookEndpoint, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *e)
	}
	return endpoints, nil
}

func (s *endpointStore) RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.d.ext.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET consecutive_failures = 0, last_success_at = $2, updated_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("record endpoint success: %w", err)
	}
	return nil
}

func (s *endpointStore) IncrementFailures(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, s.d.ext, &count, `
		UPDATE webhook_endpoints
		SET consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures`, id)
	if err != nil {
		return 0, notFound(err, "increment endpoint failures")
	}
	return count, nil
}

func (s *endpointStore) Disable(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.d.ext.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET is_active = FALSE, disabled_reason = $2, updated_at = NOW()
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("disable endpoint: %w", err)
	}
	return nil
}

func (s *endpointStore) Enable(ctx context.Context, id uuid.UUID) error {
	_, err := s.d.ext.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET is_active = TRUE, consecutive_failures = 0, disabled_reason = NULL,
			updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("enable endpoint: %w", err)
	}
	return nil
}

func (s *endpointStore) RotateSecret(ctx context.Context, id uuid.UUID, secret string) error {
	_, err := s.d.ext.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET signing_secret = $2, consecutive_failures = 0,
			disabled_reason = NULL, updated_at = NOW()
		WHERE id = $1`, id, secret)
	if err != nil {
		return fmt.Errorf("rotate endpoint secret: %w", err)
	}
	return nil
}
