package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store"
)

type jobStore struct{ d *DB }

type jobRow struct {
	ID                uuid.UUID      `db:"id"`
	TenantID          uuid.UUID      `db:"tenant_id"`
	Status            string         `db:"status"`
	AudioURI          string         `db:"audio_uri"`
	Parameters        []byte         `db:"parameters"`
	WebhookURL        sql.NullString `db:"webhook_url"`
	WebhookMetadata   []byte         `db:"webhook_metadata"`
	Error             sql.NullString `db:"error"`
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

const jobColumns = `id, tenant_id, status, audio_uri, parameters, webhook_url,
	webhook_metadata, error, retention_policy_id, audio_duration_seconds,
	result_language_code, result_word_count, result_segment_count,
	result_speaker_count, result_character_count, purge_after, purged_at,
	created_at, started_at, completed_at`

func (r jobRow) toModel() (*model.Job, error) {
	params, err := decodeMap(r.Parameters)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if len(r.WebhookMetadata) > 0 {
		if meta, err = decodeMap(r.WebhookMetadata); err != nil {
			return nil, err
		}
	}
	return &model.Job{
		ID:                   r.ID,
		TenantID:             r.TenantID,
		Status:               model.JobStatus(r.Status),
		AudioURI:             r.AudioURI,
		Parameters:           params,
		WebhookURL:           strOrEmpty(r.WebhookURL),
		WebhookMetadata:      meta,
		Error:                strOrEmpty(r.Error),
		RetentionPolicyID:    r.RetentionPolicyID,
		AudioDurationSeconds: r.AudioDurationSeconds,
		ResultLanguageCode:   r.ResultLanguageCode,
		ResultWordCount:      r.ResultWordCount,
		ResultSegmentCount:   r.ResultSegmentCount,
		ResultSpeakerCount:   r.ResultSpeakerCount,
		ResultCharacterCount: r.ResultCharacterCount,
		PurgeAfter:           r.PurgeAfter,
		PurgedAt:             r.PurgedAt,
		CreatedAt:            r.CreatedAt,
		StartedAt:            r.StartedAt,
		CompletedAt:          r.CompletedAt,
	}, nil
}

func (s *jobStore) Create(ctx context.Context, job *model.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	params, err := encodeMap(job.Parameters)
	if err != nil {
		return err
	}
	var meta []byte
	if job.WebhookMetadata != nil {
		if meta, err = encodeMap(job.WebhookMetadata); err != nil {
			return err
		}
	}

	_, err = s.d.ext.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, status, audio_uri, parameters,
			webhook_url, webhook_metadata, retention_policy_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.TenantID, string(job.Status), job.AudioURI, params,
		nullStr(job.WebhookURL), meta, job.RetentionPolicyID, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *jobStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	return s.get(ctx, id, "")
}

func (s *jobStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	return s.get(ctx, id, " FOR UPDATE")
}

func (s *jobStore) get(ctx context.Context, id uuid.UUID, suffix string) (*model.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1` + suffix
	if err := sqlx.GetContext(ctx, s.d.ext, &row, query, id); err != nil {
		return nil, notFound(err, "get job")
	}
	return row.toModel()
}

func (s *jobStore) List(ctx context.Context, tenantID uuid.UUID, limit int, createdBefore *time.Time) ([]model.Job, error) {
	var rows []jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1`
	args := []any{tenantID}
	if createdBefore != nil {
		query += ` AND created_at < $2`
		args = append(args, *createdBefore)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobRowsToModels(rows)
}

func (s *jobStore) UpdateStatus(ctx context.Context, id uuid.UUID, from []model.JobStatus, to model.JobStatus, upd store.JobUpdate) (bool, error) {
	set := []string{"status = $2"}
	args := []any{id, string(to)}
	n := 3
	if upd.Error != nil {
		set = append(set, fmt.Sprintf("error = $%d", n))
		args = append(args, nullStr(*upd.Error))
		n++
	}
	if upd.StartedAt != nil {
		set = append(set, fmt.Sprintf("started_at = $%d", n))
		args = append(args, *upd.StartedAt)
		n++
	}
	if upd.CompletedAt != nil {
		set = append(set, fmt.Sprintf("completed_at = $%d", n))
		args = append(args, *upd.CompletedAt)
		n++
	}

	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", n)
		args = append(args, string(st))
		n++
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND status IN (%s)`,
		strings.Join(set, ", "), strings.Join(placeholders, ", "))
	res, err := s.d.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	return affected == 1, nil
}

func (s *jobStore) SetResultStats(ctx context.Context, id uuid.UUID, stats store.JobResultStats) error {
	_, err := s.d.ext.ExecContext(ctx, `
		UPDATE jobs SET audio_duration_seconds = $2, result_language_code = $3,
			result_word_count = $4, result_segment_count = $5,
			result_speaker_count = $6, result_character_count = $7
		WHERE id = $1`,
		id, stats.AudioDurationSeconds, stats.LanguageCode, stats.WordCount,
		stats.SegmentCount, stats.SpeakerCount, stats.CharacterCount)
	if err != nil {
		return fmt.Errorf("set job result stats: %w", err)
	}
	return nil
}

func (s *jobStore) SetRetention(ctx context.Context, id uuid.UUID, purgeAfter *time.Time) error {
	_, err := s.d.ext.ExecContext(ctx, `UPDATE jobs SET purge_after = $2 WHERE id = $1`, id, purgeAfter)
	if err != nil {
		return fmt.Errorf("set job retention: %w", err)
	}
	return nil
}

func (s *jobStore) MarkPurged(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.d.ext.ExecContext(ctx, `UPDATE jobs SET purged_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark job purged: %w", err)
	}
	return nil
}

func (s *jobStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Job, error) {
	var rows []jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE purge_after <= $1 AND purged_at IS NULL
		ORDER BY purge_after ASC LIMIT $2`
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	return jobRowsToModels(rows)
}

func (s *jobStore) CountByPolicy(ctx context.Context, policyID uuid.UUID) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, s.d.ext, &count,
		`SELECT COUNT(*) FROM jobs WHERE retention_policy_id = $1`, policyID)
	if err != nil {
		return 0, fmt.Errorf("count jobs by policy: %w", err)
	}
	return count, nil
}

func jobRowsToModels(rows []jobRow) ([]model.Job, error) {
	jobs := make([]model.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}
