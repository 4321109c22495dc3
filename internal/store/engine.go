package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Timestamps are stored in UTC as SQLite DATETIME text.
const timeLayout = "2006-01-02 15:04:05"

const latestSchemaVersion = 1

type Engine struct {
	db *sql.DB
	mu sync.Mutex
}

func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them in effect
	// and serializes writers.
	db.SetMaxOpenConns(1)

	e := &Engine{db: db}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.migrateSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			user_id TEXT NOT NULL,
			platform INTEGER NOT NULL,
			time_from DATE NOT NULL,
			time_to DATE NOT NULL,
			UNIQUE(user_id, time_from) ON CONFLICT REPLACE
		)`,
		`CREATE TABLE IF NOT EXISTS map (
			user_id TEXT NOT NULL,
			hour INTEGER NOT NULL,
			time INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(user_id, hour)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// migrateSchema upgrades databases written before the sessions table carried
// its uniqueness constraint. Duplicate rows keep the most recent insert.
func (e *Engine) migrateSchema() error {
	var version int
	if err := e.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= latestSchemaVersion {
		return nil
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM sessions WHERE rowid NOT IN (
			SELECT MAX(rowid) FROM sessions GROUP BY user_id, time_from
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_user_from ON sessions(user_id, time_from)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_to ON sessions(user_id, time_to)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, latestSchemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	log.Printf("[store] migrated schema from version %d to %d", version, latestSchemaVersion)
	return nil
}

// Optimize runs periodic housekeeping: query planner statistics and a WAL
// checkpoint.
func (e *Engine) Optimize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, stmt := range []string{"PRAGMA optimize", "PRAGMA wal_checkpoint(TRUNCATE)"} {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("optimize %q: %w", stmt, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
