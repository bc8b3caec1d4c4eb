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

type taskStore struct{ d *DB }

type taskRow struct {
	ID           uuid.UUID      `db:"id"`
	JobID        uuid.UUID      `db:"job_id"`
	Stage        string         `db:"stage"`
	EngineID     string         `db:"engine_id"`
	Status       string         `db:"status"`
	Dependencies []byte         `db:"dependencies"`
	Config       []byte         `db:"config"`
	InputURI     sql.NullString `db:"input_uri"`
	OutputURI    sql.NullString `db:"output_uri"`
	Retries      int            `db:"retries"`
	MaxRetries   int            `db:"max_retries"`
	Required     bool           `db:"required"`
	Error        sql.NullString `db:"error"`
	CreatedAt    time.Time      `db:"created_at"`
	StartedAt    *time.Time     `db:"started_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
}

const taskColumns = `id, job_id, stage, engine_id, status, dependencies,
	config, input_uri, output_uri, retries, max_retries, required, error,
	created_at, started_at, completed_at`

func (r taskRow) toModel() (*model.Task, error) {
	deps, err := decodeUUIDs(r.Dependencies)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeMap(r.Config)
	if err != nil {
		return nil, err
	}
	return &model.Task{
		ID:           r.ID,
		JobID:        r.JobID,
		Stage:        r.Stage,
		EngineID:     r.EngineID,
		Status:       model.TaskStatus(r.Status),
		Dependencies: deps,
		Config:       cfg,
		InputURI:     strOrEmpty(r.InputURI),
		OutputURI:    strOrEmpty(r.OutputURI),
		Retries:      r.Retries,
		MaxRetries:   r.MaxRetries,
		Required:     r.Required,
		Error:        strOrEmpty(r.Error),
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}, nil
}

func (s *taskStore) CreateBatch(ctx context.Context, tasks []model.Task) error {
	for i := range tasks {
		t := &tasks[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.Status == "" {
			t.Status = model.TaskPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		deps, err := encodeUUIDs(t.Dependencies)
		if err != nil {
			return err
		}
		cfg, err := encodeMap(t.Config)
		if err != nil {
			return err
		}
		_, err = s.d.ext.ExecContext(ctx, `
			INSERT INTO tasks (id, job_id, stage, engine_id, status,
				dependencies, config, retries, max_retries, required, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			t.ID, t.JobID, t.Stage, t.EngineID, string(t.Status),
			deps, cfg, t.Retries, t.MaxRetries, t.Required, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.Stage, err)
		}
	}
	return nil
}

func (s *taskStore) Get(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	var row taskRow
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if err := sqlx.GetContext(ctx, s.d.ext, &row, query, id); err != nil {
		return nil, notFound(err, "get task")
	}
	return row.toModel()
}

func (s *taskStore) ListByJob(ctx context.Context, jobID uuid.UUID) ([]model.Task, error) {
	var rows []taskRow
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id = $1 ORDER BY created_at ASC, stage ASC`
	if err := sqlx.SelectContext(ctx, s.d.ext, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

func (s *taskStore) UpdateStatus(ctx context.Context, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus, upd store.TaskUpdate) (bool, error) {
	set := []string{"status = $2"}
	args := []any{id, string(to)}
	n := 3
	if upd.Error != nil {
		set = append(set, fmt.Sprintf("error = $%d", n))
		args = append(args, nullStr(*upd.Error))
		n++
	}
	if upd.OutputURI != nil {
		set = append(set, fmt.Sprintf("output_uri = $%d", n))
		args = append(args, nullStr(*upd.OutputURI))
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
	if upd.IncrementRetries {
		set = append(set, "retries = retries + 1")
	}

	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = fmt.Sprintf("$%d", n)
		args = append(args, string(st))
		n++
	}

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $1 AND status IN (%s)`,
		strings.Join(set, ", "), strings.Join(placeholders, ", "))
	res, err := s.d.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	return affected == 1, nil
}

func (s *taskStore) SetInputURI(ctx context.Context, id uuid.UUID, uri string) error {
	_, err := s.d.ext.ExecContext(ctx, `UPDATE tasks SET input_uri = $2 WHERE id = $1`, id, uri)
	if err != nil {
		return fmt.Errorf("set task input uri: %w", err)
	}
	return nil
}
