package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/stellarlinkco/presencewatch/internal/presence"
)

// CreateEntityIfAbsent records a newly seen entity. Known ids are left as is.
func (e *Engine) CreateEntityIfAbsent(ctx context.Context, id, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO users (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("create user %s: %w", id, err)
	}
	return nil
}

// AppendSession stores a closed session, replacing any row with the same
// entity and start time.
func (e *Engine) AppendSession(ctx context.Context, s presence.Session) error {
	if s.IsOpen() {
		return fmt.Errorf("append session %s: session is still open", s.EntityID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (user_id, platform, time_from, time_to)
		VALUES (?, ?, ?, ?)
	`, s.EntityID, s.Platform, formatTime(s.StartedAt), formatTime(s.EndedAt))
	if err != nil {
		return fmt.Errorf("append session %s: %w", s.EntityID, err)
	}
	return nil
}

// MergeHourBuckets adds each entry's seconds onto the stored value for its
// (entity, hour) key. All entries are applied in one transaction.
func (e *Engine) MergeHourBuckets(ctx context.Context, buckets []presence.HourBucket) error {
	if len(buckets) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	if err := mergeBuckets(ctx, tx, buckets); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

func mergeBuckets(ctx context.Context, tx *sql.Tx, buckets []presence.HourBucket) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO map (user_id, hour, time) VALUES (?, ?, ?)
		ON CONFLICT(user_id, hour) DO UPDATE SET time = map.time + excluded.time
	`)
	if err != nil {
		return fmt.Errorf("prepare merge: %w", err)
	}
	defer stmt.Close()

	for _, b := range buckets {
		if b.Seconds <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, b.EntityID, b.Hour, b.Seconds); err != nil {
			return fmt.Errorf("merge bucket %s/%d: %w", b.EntityID, b.Hour, err)
		}
	}
	return nil
}
