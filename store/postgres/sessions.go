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

type sessionStore struct{ d *DB }

type sessionRow struct {
	ID                uuid.UUID      `db:"id"`
	TenantID          uuid.UUID      `db:"tenant_id"`
	Status            string         `db:"status"`
	Language          sql.NullString `db:"language"`
	Model             sql.NullString `db:"model"`
	Engine            sql.NullString `db:"engine"`
	Encoding          sql.NullString `db:"encoding"`
	SampleRate        int            `db:"sample_rate"`
	WorkerID          sql.NullString `db:"worker_id"`
	ClientIP          sql.NullString `db:"client_ip"`
	PreviousSessionID *uuid.UUID     `db:"previous_session_id"`

	AudioDurationSeconds float64 `db:"audio_duration_seconds"`
	SegmentCount         int     `db:"segment_count"`
	WordCount            int     `db:"word_count"`

	AudioURI         sql.NullString `db:"audio_uri"`
	TranscriptURI    sql.NullString `db:"transcript_uri"`
	EnhancementJobID *uuid.UUID     `db:"enhancement_job_id"`

	RetentionPolicyID *uuid.UUID `db:"retention_policy_id"`
	PurgeAfter        *time.Time `db:"purge_after"`
	PurgedAt          *time.Time `db:"purged_at"`

	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

const sessionColumns = `id, tenant_id, status, language, model, engine,
	encoding, sample_rate, worker_id, client_ip, previous_session_id,
	audio_duration_seconds, segment_count, word_count, audio_uri,
	transcript_uri, enhancement_job_id, retention_policy_id, purge_after,
	purged_at, created_at, completed_at`

func (r sessionRow) toModel() *model.Session {
	return &model.Session{
		ID:                   r.ID,
		TenantID:             r.TenantID,
		Status:               model.SessionStatus(r.Status),
		Language:             strOrEmpty(r.Language),
		Model:                strOrEmpty(r.Model),
		Engine:               strOrEmpty(r.Engine),
		Encoding:             strOrEmpty(r.Encoding),
		SampleRate:           r.SampleRate,
		WorkerID:             strOrEmpty(r.WorkerID),
		ClientIP:             strOrEmpty(r.ClientIP),
		PreviousSessionID:    r.PreviousSessionID,
		AudioDurationSeconds: r.AudioDurationSeconds,
		SegmentCount:         r.SegmentCount,
		WordCount:            r.WordCount,
		AudioURI:             strOrEmpty(r.AudioURI),
		TranscriptURI:        strOrEmpty(r.TranscriptURI),
		EnhancementJobID:     r.EnhancementJobID,
		RetentionPolicyID:    r.RetentionPolicyID,
		PurgeAfter:           r.PurgeAfter,
		PurgedAt:             r.PurgedAt,
		CreatedAt:            r.CreatedAt,
		CompletedAt:          r.CompletedAt,
	}
}

func (s *sessionStore) Create(ctx context.Context, sess *model.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.Status == "" {
		sess.Status = model.SessionActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.d.ext.ExecContext(ctx, `
		INSERT INTO realtime_sessions (id, tenant_id, status, language, model,
			engine, encoding, sample_rate, worker_id, client_ip,
			previous_session_id, retention_policy_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.TenantID, string(sess.Status), nullStr(sess.Language),
		nullStr(sess.Model), nullStr(sess.Engine), nullStr(sess.Encoding),
		sess.SampleRate, nullStr(sess.WorkerID), nullStr(sess.ClientIP),
		sess.PreviousSessionID, sess.RetentionPolicyID, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *sessionStore) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	var row sessionRow
	query := `SELECT ` + sessionColumns + ` FROM realtime_sessions WHERE id = $1`
	if err := sqlx.GetContext(ctx, s.d.ext, &row, query, id); err != nil {
		return nil, notFound(err, "get session")
	}
	return row.toModel(), nil
}

func (s *sessionStore) List(ctx context.Context, tenantID uuid.UUID, limit int, createdBefore *time.Time) ([]model.Session, error) {
	var rows []sessionRow
	query := `SELECT ` + sessionColumns + ` FROM realtime_sessions WHERE tenant_id = $1`
	args := []any{tenantID}
	if createdBefore != nil {
		query += ` AND created_at < $2`
		args = append(args, *createdBefore)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]model.Session, 0, len(rows))
	for _, r := range rows {
		sessions = append(sessions, *r.toModel())
	}
	return sessions, nil
}

func (s *sessionStore) UpdateStats(ctx context.Context, id uuid.UUID, upd store.SessionUpdate) error {
	set := []string{}
	args := []any{id}
	n := 2
	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}
	if upd.AudioDurationSeconds != nil {
		add("audio_duration_seconds", *upd.AudioDurationSeconds)
	}
	if upd.SegmentCount != nil {
		add("segment_count", *upd.SegmentCount)
	}
	if upd.WordCount != nil {
		add("word_count", *upd.WordCount)
	}
	if upd.AudioURI != nil {
		add("audio_uri", nullStr(*upd.AudioURI))
	}
	if upd.TranscriptURI != nil {
		add("transcript_uri", nullStr(*upd.TranscriptURI))
	}
	if len(set) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE realtime_sessions SET %s WHERE id = $1`, strings.Join(set, ", "))
	if _, err := s.d.ext.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update session stats: %w", err)
	}
	return nil
}

func (s *sessionStore) Finalize(ctx context.Context, id uuid.UUID, status model.SessionStatus, completedAt time.Time, purgeAfter *time.Time) (bool, error) {
	res, err := s.d.ext.ExecContext(ctx, `
		UPDATE realtime_sessions
		SET status = $2, completed_at = $3, purge_after = $4
		WHERE id = $1 AND status = $5`,
		id, string(status), completedAt, purgeAfter, string(model.SessionActive))
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	return affected == 1, nil
}

func (s *sessionStore) SetEnhancementJob(ctx context.Context, id uuid.UUID, jobID uuid.UUID) (bool, error) {
	res, err := s.d.ext.ExecContext(ctx, `
		UPDATE realtime_sessions SET enhancement_job_id = $2
		WHERE id = $1 AND enhancement_job_id IS NULL`, id, jobID)
	if err != nil {
		return false, fmt.Errorf("set enhancement job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set enhancement job: %w", err)
	}
	return affected == 1, nil
}

func (s *sessionStore) MarkPurged(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.d.ext.ExecContext(ctx, `UPDATE realtime_sessions SET purged_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark session purged: %w", err)
	}
	return nil
}

func (s *sessionStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Session, error) {
	var rows []sessionRow
	query := `SELECT ` + sessionColumns + ` FROM realtime_sessions
		WHERE purge_after <= $1 AND purged_at IS NULL
		ORDER BY purge_after ASC LIMIT $2`
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	sessions := make([]model.Session, 0, len(rows))
	for _, r := range rows {
		sessions = append(sessions, *r.toModel())
	}
	return sessions, nil
}

func (s *sessionStore) CountByPolicy(ctx context.Context, policyID uuid.UUID) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, s.d.ext, &count,
		`SELECT COUNT(*) FROM realtime_sessions WHERE retention_policy_id = $1`, policyID)
	if err != nil {
		return 0, fmt.Errorf("count sessions by policy: %w", err)
	}
	return count, nil
}
