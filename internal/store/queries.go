package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (e *Engine) Names(ctx context.Context, id string) ([]EntityName, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, name FROM users
		WHERE id = ?1 OR ?1 = 'all'
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()

	result := make([]EntityName, 0)
	for rows.Next() {
		var n EntityName
		if err := rows.Scan(&n.ID, &n.Name); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate names: %w", err)
	}
	return result, nil
}

// Users returns name and active day count for id, or every entity for "all".
// Entities without sessions report zero days.
func (e *Engine) Users(ctx context.Context, id string) ([]EntitySummary, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT u.id, u.name,
			ROUND(JULIANDAY(MAX(s.time_to)) - JULIANDAY(MIN(s.time_from)) + 0.5)
		FROM users u
		LEFT JOIN sessions s ON s.user_id = u.id
		WHERE u.id = ?1 OR ?1 = 'all'
		GROUP BY u.id, u.name
		ORDER BY u.id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	result := make([]EntitySummary, 0)
	for rows.Next() {
		var s EntitySummary
		var days sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.Name, &days); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if days.Valid {
			s.Days = int64(days.Float64)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return result, nil
}

func (e *Engine) Days(ctx context.Context, id string) ([]EntityDays, error) {
	users, err := e.Users(ctx, id)
	if err != nil {
		return nil, err
	}
	result := make([]EntityDays, 0, len(users))
	for _, u := range users {
		result = append(result, EntityDays{ID: u.ID, Days: u.Days})
	}
	return result, nil
}

// Sessions pages through sessions by day, counted from each entity's first
// recorded session: the page covers days [offset, offset+count).
func (e *Engine) Sessions(ctx context.Context, id string, offset, count int) ([]EntitySessions, error) {
	if offset < 0 {
		offset = 0
	}
	if count <= 0 {
		count = DefaultSessionDays
	}
	if count > MaxSessionDays {
		count = MaxSessionDays
	}

	names, err := e.Names(ctx, id)
	if err != nil {
		return nil, err
	}

	result := make([]EntitySessions, 0, len(names))
	for _, n := range names {
		sessions, err := e.sessionPage(ctx, n.ID, offset, count)
		if err != nil {
			return nil, err
		}
		result = append(result, EntitySessions{ID: n.ID, Sessions: sessions})
	}
	return result, nil
}

func (e *Engine) sessionPage(ctx context.Context, id string, offset, count int) ([]SessionRecord, error) {
	rows, err := e.db.QueryContext(ctx, `
		WITH first AS (
			SELECT ROUND(JULIANDAY(MIN(time_from))) AS day
			FROM sessions WHERE user_id = ?1
		)
		SELECT platform,
			CAST(STRFTIME('%s', time_from) AS INTEGER),
			CAST(STRFTIME('%s', time_to) AS INTEGER)
		FROM sessions, first
		WHERE user_id = ?1
			AND ROUND(JULIANDAY(time_from)) < first.day + ?2 + ?3
			AND ROUND(JULIANDAY(time_to)) >= first.day + ?2
		ORDER BY time_from
	`, id, offset, count)
	if err != nil {
		return nil, fmt.Errorf("query sessions %s: %w", id, err)
	}
	defer rows.Close()

	result := make([]SessionRecord, 0)
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.Platform, &r.From, &r.To); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

// HourMap returns stored density buckets with hour >= fromHour.
func (e *Engine) HourMap(ctx context.Context, id string, fromHour int64) ([]EntityHourMap, error) {
	names, err := e.Names(ctx, id)
	if err != nil {
		return nil, err
	}

	result := make([]EntityHourMap, 0, len(names))
	for _, n := range names {
		hours, err := e.hourValues(ctx, n.ID, fromHour)
		if err != nil {
			return nil, err
		}
		result = append(result, EntityHourMap{ID: n.ID, Hours: hours})
	}
	return result, nil
}

func (e *Engine) hourValues(ctx context.Context, id string, fromHour int64) ([]HourValue, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT hour, time FROM map
		WHERE user_id = ? AND hour >= ?
		ORDER BY hour
	`, id, fromHour)
	if err != nil {
		return nil, fmt.Errorf("query map %s: %w", id, err)
	}
	defer rows.Close()

	result := make([]HourValue, 0)
	for rows.Next() {
		var v HourValue
		if err := rows.Scan(&v.Hour, &v.Seconds); err != nil {
			return nil, fmt.Errorf("scan map: %w", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate map: %w", err)
	}
	return result, nil
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := e.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM users),
			(SELECT COUNT(1) FROM sessions),
			(SELECT COUNT(1) FROM map)
	`).Scan(&s.Users, &s.Sessions, &s.Buckets)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return s, nil
}
