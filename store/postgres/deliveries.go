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

type deliveryStore struct{ d *DB }

type deliveryRow struct {
	ID             uuid.UUID      `db:"id"`
	EndpointID     *uuid.UUID     `db:"endpoint_id"`
	JobID          *uuid.UUID     `db:"job_id"`
	EventType      string         `db:"event_type"`
	Payload        []byte         `db:"payload"`
	URLOverride    sql.NullString `db:"url_override"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	LastStatusCode *int           `db:"last_status_code"`
	LastError      sql.NullString `db:"last_error"`
	LastAttemptAt  *time.Time     `db:"last_attempt_at"`
	NextRetryAt    *time.Time     `db:"next_retry_at"`
	CreatedAt      time.Time      `db:"created_at"`
}

const deliveryColumns = `id, endpoint_id, job_id, event_type, payload,
	url_override, status, attempts, last_status_code, last_error,
	last_attempt_at, next_retry_at, created_at`

func (r deliveryRow) toModel() (*model.WebhookDelivery, error) {
	payload, err := decodeMap(r.Payload)
	if err != nil {
		return nil, err
	}
	return &model.WebhookDelivery{
		ID:             r.ID,
		EndpointID:     r.EndpointID,
		JobID:          r.JobID,
		EventType:      r.EventType,
		Payload:        payload,
		URLOverride:    strOrEmpty(r.URLOverride),
		Status:         model.DeliveryStatus(r.Status),
		Attempts:       r.Attempts,
		LastStatusCode: r.LastStatusCode,
		LastError:      strOrEmpty(r.LastError),
		LastAttemptAt:  r.LastAttemptAt,
		NextRetryAt:    r.NextRetryAt,
		CreatedAt:      r.CreatedAt,
	}, nil
}

// CreateOrGet relies on the partial unique indexes on
// (endpoint_id, job_id, event_type) and (url_override, job_id, event_type):
// a conflicting insert is skipped and the existing row is returned.
func (s *deliveryStore) CreateOrGet(ctx context.Context, d *model.WebhookDelivery) (*model.WebhookDelivery, bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	payload, err := encodeMap(d.Payload)
	if err != nil {
		return nil, false, err
	}

	res, err := s.d.ext.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, endpoint_id, job_id, event_type,
			payload, url_override, status, attempts, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		d.ID, d.EndpointID, d.JobID, d.EventType, payload,
		nullStr(d.URLOverride), string(d.Status), d.Attempts, d.NextRetryAt,
		d.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert webhook delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert webhook delivery: %w", err)
	}
	if affected == 1 {
		return d, true, nil
	}

	// Duplicate: return the existing row for the same dedup key.
	var row deliveryRow
	var query string
	var args []any
	if d.EndpointID != nil {
		query = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
			WHERE endpoint_id = $1 AND job_id = $2 AND event_type = $3`
		args = []any{*d.EndpointID, d.JobID, d.EventType}
	} else {
		query = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
			WHERE url_override = $1 AND job_id = $2 AND event_type = $3`
		args = []any{d.URLOverride, d.JobID, d.EventType}
	}
	if err := sqlx.GetContext(ctx, s.d.ext, &row, query, args...); err != nil {
		return nil, false, notFound(err, "get existing delivery")
	}
	existing, err := row.toModel()
	return existing, false, err
}

func (s *deliveryStore) Get(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	var row deliveryRow
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`
	if err := sqlx.GetContext(ctx, s.d.ext, &row, query, id); err != nil {
		return nil, notFound(err, "get webhook delivery")
	}
	return row.toModel()
}

func (s *deliveryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.WebhookDelivery, error) {
	var rows []deliveryRow
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	deliveries := make([]model.WebhookDelivery, 0, len(rows))
	for _, r := range rows {
		d, err := r.toModel()
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, nil
}

func (s *deliveryStore) Update(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := s.d.ext.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, last_status_code = $4, last_error = $5,
			last_attempt_at = $6, next_retry_at = $7
		WHERE id = $1`,
		d.ID, string(d.Status), d.Attempts, d.LastStatusCode,
		nullStr(d.LastError), d.LastAttemptAt, d.NextRetryAt)
	if err != nil {
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	return nil
}
