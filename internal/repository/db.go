package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Open 打开 sqlite 并设置 pragma; 单连接, 保证 :memory: 与外键设置在所有语句间一致
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		`PRAGMA foreign_keys = ON`,
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS machines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	place TEXT NOT NULL DEFAULT '',
	last_status TEXT NOT NULL DEFAULT 'UNKNOWN',
	last_status_time TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	username TEXT NOT NULL,
	secret TEXT NOT NULL DEFAULT '',
	private_key TEXT NOT NULL DEFAULT '',
	key_type TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS software_platforms (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	priority INTEGER NOT NULL,
	hostname TEXT NOT NULL,
	credential_id INTEGER REFERENCES credentials(id) ON DELETE SET NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_platforms_machine ON software_platforms(machine_id, priority)`,
	`CREATE TABLE IF NOT EXISTS hardware_features (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id INTEGER NOT NULL UNIQUE REFERENCES machines(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	mac_address TEXT NOT NULL DEFAULT '',
	host_id INTEGER REFERENCES software_platforms(id) ON DELETE SET NULL,
	vm_uuid TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS custom_operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '[]'
)`,
	`CREATE TABLE IF NOT EXISTS machine_custom_operation (
	machine_id INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
	operation_id INTEGER NOT NULL REFERENCES custom_operations(id) ON DELETE CASCADE,
	PRIMARY KEY (machine_id, operation_id)
)`,
	`CREATE TABLE IF NOT EXISTS action_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id INTEGER NOT NULL,
	machine_name TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	argument TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_history_started ON action_history(started_at)`,
}

// EnsureSchema 建表 (幂等)
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func ptrInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func notFound(err error, what string, key any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, key, ErrNotFound)
	}
	return err
}
