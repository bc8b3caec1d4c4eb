package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dalston.dev/dalston/model"
)

type artifactStore struct{ d *DB }

type artifactRow struct {
	ID          uuid.UUID  `db:"id"`
	OwnerType   string     `db:"owner_type"`
	OwnerID     uuid.UUID  `db:"owner_id"`
	URI         string     `db:"uri"`
	Kind        string     `db:"kind"`
	TTLSeconds  *int       `db:"ttl_seconds"`
	AvailableAt *time.Time `db:"available_at"`
	PurgeAfter  *time.Time `db:"purge_after"`
	CreatedAt   time.Time  `db:"created_at"`
}

const artifactColumns = `id, owner_type, owner_id, uri, kind, ttl_seconds,
	available_at, purge_after, created_at`

func (r artifactRow) toModel() *model.Artifact {
	return &model.Artifact{
		ID:          r.ID,
		OwnerType:   model.OwnerType(r.OwnerType),
		OwnerID:     r.OwnerID,
		URI:         r.URI,
		Kind:        r.Kind,
		TTLSeconds:  r.TTLSeconds,
		AvailableAt: r.AvailableAt,
		PurgeAfter:  r.PurgeAfter,
		CreatedAt:   r.CreatedAt,
	}
}

func (s *artifactStore) Create(ctx context.Context, a *model.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.d.ext.ExecContext(ctx, `
		INSERT INTO artifact_objects (id, owner_type, owner_id, uri, kind,
			ttl_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, string(a.OwnerType), a.OwnerID, a.URI, a.Kind, a.TTLSeconds, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *artifactStore) ListByOwner(ctx context.Context, ownerType model.OwnerType, ownerID uuid.UUID) ([]model.Artifact, error) {
	var rows []artifactRow
	query := `SELECT ` + artifactColumns + ` FROM artifact_objects
		WHERE owner_type = $1 AND owner_id = $2 ORDER BY created_at ASC`
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, string(ownerType), ownerID); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	artifacts := make([]model.Artifact, 0, len(rows))
	for _, r := range rows {
		artifacts = append(artifacts, *r.toModel())
	}
	return artifacts, nil
}

// MarkAvailable bulk-stamps available_at on an owner's rows and derives each
// row's purge_after from its TTL, so blobs written mid-processing cannot be
// purged before the owner finalizes.
func (s *artifactStore) MarkAvailable(ctx context.Context, ownerType model.OwnerType, ownerID uuid.UUID, at time.Time) error {
	_, err := s.d.ext.ExecContext(ctx, `
		UPDATE artifact_objects
		SET available_at = $3,
			purge_after = CASE
				WHEN ttl_seconds IS NOT NULL THEN $3 + make_interval(secs => ttl_seconds)
				ELSE NULL
			END
		WHERE owner_type = $1 AND owner_id = $2`,
		string(ownerType), ownerID, at)
	if err != nil {
		return fmt.Errorf("mark artifacts available: %w", err)
	}
	return nil
}

func (s *artifactStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Artifact, error) {
	var rows []artifactRow
	query := `SELECT ` + artifactColumns + ` FROM artifact_objects
		WHERE purge_after <= $1 ORDER BY purge_after ASC LIMIT $2`
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("list expired artifacts: %w", err)
	}
	artifacts := make([]model.Artifact, 0, len(rows))
	for _, r := range rows {
		artifacts = append(artifacts, *r.toModel())
	}
	return artifacts, nil
}

func (s *artifactStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.d.ext.ExecContext(ctx, `DELETE FROM artifact_objects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
