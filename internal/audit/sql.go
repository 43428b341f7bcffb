package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLSink appends entries to an audit_entries table. The SQLite and
// Postgres flavours differ only in DDL and placeholders.
type SQLSink struct {
	db     *sql.DB
	insert string
	recent string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id          TEXT PRIMARY KEY,
	ts          INTEGER NOT NULL,
	phase       TEXT NOT NULL,
	service     TEXT NOT NULL,
	tool        TEXT NOT NULL,
	trace_id    TEXT NOT NULL,
	request_id  TEXT NOT NULL DEFAULT '',
	depth       INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	input_hash  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_entries_trace ON audit_entries(trace_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id          TEXT PRIMARY KEY,
	ts          BIGINT NOT NULL,
	phase       TEXT NOT NULL,
	service     TEXT NOT NULL,
	tool        TEXT NOT NULL,
	trace_id    TEXT NOT NULL,
	request_id  TEXT NOT NULL DEFAULT '',
	depth       INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	input_hash  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_entries_trace ON audit_entries(trace_id);
`

const columns = `id, ts, phase, service, tool, trace_id, request_id, depth, duration_ms, input_hash, error`

func NewSQLiteSink(path string) (*SQLSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty sqlite audit path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate audit_entries: %w", err)
	}
	return &SQLSink{
		db:     db,
		insert: `INSERT INTO audit_entries (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recent: `SELECT ` + columns + ` FROM audit_entries ORDER BY ts DESC, rowid DESC LIMIT ?`,
	}, nil
}

func NewPostgresSink(ctx context.Context, dsn string) (*SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate audit_entries: %w", err)
	}
	return &SQLSink{
		db:     db,
		insert: `INSERT INTO audit_entries (` + columns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		recent: `SELECT ` + columns + ` FROM audit_entries ORDER BY ts DESC LIMIT $1`,
	}, nil
}

func (s *SQLSink) Write(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, s.insert,
		e.ID, e.Time.UnixNano(), e.Phase, e.Service, e.Tool, e.TraceID,
		e.RequestID, e.Depth, e.DurationMS, e.InputHash, e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.recent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Phase, &e.Service, &e.Tool, &e.TraceID,
			&e.RequestID, &e.Depth, &e.DurationMS, &e.InputHash, &e.Error); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}
