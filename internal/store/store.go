// Package store persists build reports in a SQL database. It backs the
// status command and lets long-running deployments inspect what was built,
// when, and from which revision.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/packlane/packlane/internal/config"
)

const SQLiteMemoryOnlyDSN = "file::memory:?cache=shared"

// Report is one build outcome for a named bundle.
type Report struct {
	Name      string
	Kind      string // "package" or "playground"
	State     string // "built", or one of the failure states
	Message   string
	Revision  string // git commit of the synced source, if any
	Duration  time.Duration
	StartedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open connects to the configured database and creates the schema if needed.
// A nil config opens a memory-only SQLite database.
func Open(ctx context.Context, cfg *config.Database) (*Store, error) {
	dsn := SQLiteMemoryOnlyDSN
	if cfg != nil && cfg.SQL != nil && cfg.SQL.DSN != "" {
		switch cfg.SQL.Driver {
		case "", "sqlite", "sqlite3":
		default:
			return nil, fmt.Errorf("unsupported database driver: %s", cfg.SQL.Driver)
		}
		dsn = os.ExpandEnv(cfg.SQL.DSN)
	}

	// SQLite creates the database file but not its directory.
	if !strings.Contains(dsn, ":memory:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS reports (
	name        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	state       TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	revision    TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (name, kind)
)`)
	return err
}

// Put upserts the latest report for a bundle.
func (s *Store) Put(ctx context.Context, r Report) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reports (name, kind, state, message, revision, duration_ms, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name, kind) DO UPDATE SET
	state = excluded.state,
	message = excluded.message,
	revision = excluded.revision,
	duration_ms = excluded.duration_ms,
	started_at = excluded.started_at`,
		r.Name, r.Kind, r.State, r.Message, r.Revision, r.Duration.Milliseconds(), r.StartedAt.UTC())
	return err
}

// List returns all reports ordered by name, packages before playgrounds.
func (s *Store) List(ctx context.Context) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, state, message, revision, duration_ms, started_at FROM reports ORDER BY kind, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		var ms int64
		if err := rows.Scan(&r.Name, &r.Kind, &r.State, &r.Message, &r.Revision, &ms, &r.StartedAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Get returns the latest report for a bundle, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, name, kind string) (Report, error) {
	var r Report
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, kind, state, message, revision, duration_ms, started_at FROM reports WHERE name = ? AND kind = ?`,
		name, kind).Scan(&r.Name, &r.Kind, &r.State, &r.Message, &r.Revision, &ms, &r.StartedAt)
	if err != nil {
		return Report{}, err
	}
	r.Duration = time.Duration(ms) * time.Millisecond
	return r, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
