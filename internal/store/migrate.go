package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/presencewatch/internal/presence"
)

// legacyMinSession matches the clamp the tracker applies to live sessions.
const legacyMinSession = presence.DefaultMinSession

// ImportResult summarizes an import run.
type ImportResult struct {
	Users    int
	Sessions int
	Skipped  int
}

type legacyUser struct {
	Name     string           `json:"name"`
	Sessions []map[string]any `json:"sessions"`
}

// ImportLegacy loads the JSON session archive written by earlier versions:
// an object keyed by user id holding a name and a list of
// {platform, from, to} sessions with unix-second bounds. Sessions with a
// missing platform or non-integer bounds are skipped. The hour map is not
// touched; call RebuildHourMap afterwards.
func (e *Engine) ImportLegacy(ctx context.Context, r io.Reader) (ImportResult, error) {
	var data map[string]legacyUser
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return ImportResult{}, fmt.Errorf("parse legacy json: %w", err)
	}

	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var res ImportResult
	for _, id := range ids {
		user := data[id]
		name := strings.TrimSpace(user.Name)
		if name == "" {
			name = id
		}
		if err := e.CreateEntityIfAbsent(ctx, id, name); err != nil {
			return res, err
		}
		res.Users++

		for _, raw := range user.Sessions {
			s, ok := legacySession(id, raw)
			if !ok {
				res.Skipped++
				continue
			}
			if err := e.AppendSession(ctx, s); err != nil {
				return res, err
			}
			res.Sessions++
		}
	}
	log.Printf("[store] imported %d users, %d sessions, skipped %d", res.Users, res.Sessions, res.Skipped)
	return res, nil
}

func legacySession(id string, raw map[string]any) (presence.Session, bool) {
	platform, ok := legacyInt(raw["platform"])
	if !ok {
		return presence.Session{}, false
	}
	from, ok := legacyInt(raw["from"])
	if !ok {
		return presence.Session{}, false
	}
	to, ok := legacyInt(raw["to"])
	if !ok {
		return presence.Session{}, false
	}

	s := presence.Session{
		EntityID:  id,
		Platform:  int(platform),
		StartedAt: time.Unix(from, 0).UTC(),
		EndedAt:   time.Unix(to, 0).UTC(),
	}
	if s.Duration() < legacyMinSession {
		s.EndedAt = s.StartedAt.Add(legacyMinSession)
	}
	return s, true
}

func legacyInt(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || math.Abs(x) >= math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// RebuildHourMap recomputes the hour density map from the sessions table.
// It returns the number of buckets written.
func (e *Engine) RebuildHourMap(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT user_id,
			CAST(STRFTIME('%s', time_from) AS INTEGER),
			CAST(STRFTIME('%s', time_to) AS INTEGER)
		FROM sessions
	`)
	if err != nil {
		return 0, fmt.Errorf("query sessions for rebuild: %w", err)
	}

	type key struct {
		id   string
		hour int64
	}
	totals := make(map[key]int64)
	for rows.Next() {
		var id string
		var from, to int64
		if err := rows.Scan(&id, &from, &to); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan session for rebuild: %w", err)
		}
		s := presence.Session{EntityID: id, StartedAt: time.Unix(from, 0), EndedAt: time.Unix(to, 0)}
		for hour, seconds := range presence.Bucketize(s) {
			totals[key{id, hour}] += seconds
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate sessions for rebuild: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM map`); err != nil {
		return 0, fmt.Errorf("clear map: %w", err)
	}

	buckets := make([]presence.HourBucket, 0, len(totals))
	for k, v := range totals {
		buckets = append(buckets, presence.HourBucket{EntityID: k.id, Hour: k.hour, Seconds: v})
	}
	if err := mergeBuckets(ctx, tx, buckets); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild: %w", err)
	}
	return len(buckets), nil
}
