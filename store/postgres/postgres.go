// Package postgres implements the store contracts on PostgreSQL via sqlx.
//
// Open maps (parameters, config, payload, metadata) and uuid lists are
// persisted as JSONB; conditional status transitions are single UPDATE
// statements guarded on the previous status so replayed events become no-ops
// at the row level.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"

	"dalston.dev/dalston/store"
)

// DB implements store.Store. The zero value is not usable; construct with
// Open or New.
type DB struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
	// inTx marks transaction-bound instances so nested WithTx calls join
	// the outer transaction instead of opening a new one.
	inTx bool
}

var _ store.Store = (*DB)(nil)

// Open connects to PostgreSQL with the pgx driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing sqlx handle. Used by tests with sqlmock.
func New(db *sqlx.DB) *DB {
	return &DB{db: db, ext: db}
}

// Close releases the underlying pool.
func (d *DB) Close() error { return d.db.Close() }

// WithTx runs fn against a transaction-bound store. An error from fn rolls
// the transaction back; joining an outer transaction is transparent.
func (d *DB) WithTx(ctx context.Context, fn func(store.Store) error) error {
	if d.inTx {
		return fn(d)
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	bound := &DB{db: d.db, ext: tx, inTx: true}
	if err := fn(bound); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (d *DB) Jobs() store.JobStore           { return &jobStore{d} }
func (d *DB) Tasks() store.TaskStore         { return &taskStore{d} }
func (d *DB) Sessions() store.SessionStore   { return &sessionStore{d} }
func (d *DB) Policies() store.PolicyStore    { return &policyStore{d} }
func (d *DB) Endpoints() store.EndpointStore { return &endpointStore{d} }
func (d *DB) Deliveries() store.DeliveryStore { return &deliveryStore{d} }
func (d *DB) Artifacts() store.ArtifactStore { return &artifactStore{d} }
func (d *DB) Audit() store.AuditStore        { return &auditStore{d} }
func (d *DB) Settings() store.SettingStore   { return &settingStore{d} }
func (d *DB) Tenants() store.TenantStore     { return &tenantStore{d} }

// encodeMap renders an open map as JSONB, defaulting nil to the empty object.
func encodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return data, nil
}

func decodeMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}

// encodeUUIDs renders a uuid list as a JSONB string array.
func encodeUUIDs(ids []uuid.UUID) ([]byte, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	data, err := json.Marshal(strs)
	if err != nil {
		return nil, fmt.Errorf("encode uuid list: %w", err)
	}
	return data, nil
}

func decodeUUIDs(data []byte) ([]uuid.UUID, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var strs []string
	if err := json.Unmarshal(data, &strs); err != nil {
		return nil, fmt.Errorf("decode uuid list: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(strs))
	for _, s := range strs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("decode uuid list entry %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func encodeStrings(ss []string) ([]byte, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return nil, fmt.Errorf("encode string list: %w", err)
	}
	return data, nil
}

func decodeStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return ss, nil
}

// notFound converts sql.ErrNoRows into the store sentinel.
func notFound(err error, what string) error {
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// nullStr maps empty strings to SQL NULL for nullable text columns.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
