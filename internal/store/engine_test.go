package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/presencewatch/internal/presence"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(filepath.Join(t.TempDir(), "data", "sessions.db"))
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func schemaObjectExists(t *testing.T, e *Engine, name, kind string) bool {
	t.Helper()
	var n int
	if err := e.db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type = ? AND name = ?`, kind, name).Scan(&n); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return n > 0
}

func session(id string, from, to time.Time) presence.Session {
	return presence.Session{EntityID: id, Platform: 7, StartedAt: from, EndedAt: to}
}

var base = time.Date(2024, 3, 1, 9, 59, 50, 0, time.UTC)

func TestNewEngine(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "sessions.db")

	e, err := NewEngine(dbPath)
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Idempotent reopen against the same path.
	e2, err := NewEngine(dbPath)
	if err != nil {
		t.Fatalf("NewEngine reopen error: %v", err)
	}
	defer e2.Close()
}

func TestInitSchema(t *testing.T) {
	e := newTestEngine(t)

	for _, table := range []string{"users", "sessions", "map"} {
		if !schemaObjectExists(t, e, table, "table") {
			t.Fatalf("expected table %q to exist", table)
		}
	}
	if !schemaObjectExists(t, e, "idx_sessions_user_from", "index") {
		t.Fatal("expected idx_sessions_user_from")
	}

	var version int
	if err := e.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != latestSchemaVersion {
		t.Fatalf("user_version = %d, want %d", version, latestSchemaVersion)
	}
}

func TestMigrateSchemaDedupesLegacySessions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// Table layout written by earlier versions, without the uniqueness constraint.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE sessions (user_id TEXT NOT NULL, platform INTEGER NOT NULL, time_from DATE NOT NULL, time_to DATE NOT NULL)`,
		`INSERT INTO sessions VALUES ('1', 1, '2024-03-01 10:00:00', '2024-03-01 10:05:00')`,
		`INSERT INTO sessions VALUES ('1', 2, '2024-03-01 10:00:00', '2024-03-01 10:07:00')`,
		`INSERT INTO sessions VALUES ('2', 1, '2024-03-01 10:00:00', '2024-03-01 10:01:00')`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	db.Close()

	e, err := NewEngine(dbPath)
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	defer e.Close()

	var n int
	if err := e.db.QueryRow(`SELECT COUNT(1) FROM sessions`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("sessions after migration = %d, want 2", n)
	}
	// The driver decodes DATE columns to time.Time; read the stored text.
	var to string
	if err := e.db.QueryRow(`SELECT CAST(time_to AS TEXT) FROM sessions WHERE user_id = '1'`).Scan(&to); err != nil {
		t.Fatal(err)
	}
	if to != "2024-03-01 10:07:00" {
		t.Errorf("kept time_to = %q, want latest insert", to)
	}

	// The unique index makes appends replace on conflict.
	ctx := context.Background()
	s := session("1", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 10, 9, 0, 0, time.UTC))
	if err := e.AppendSession(ctx, s); err != nil {
		t.Fatalf("AppendSession: %v", err)
	}
	if err := e.db.QueryRow(`SELECT COUNT(1) FROM sessions WHERE user_id = '1'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("sessions for 1 = %d, want 1", n)
	}
}

func TestCreateEntityIfAbsent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.CreateEntityIfAbsent(ctx, "1", " Ivan Petrov "); err != nil {
		t.Fatalf("CreateEntityIfAbsent: %v", err)
	}
	if err := e.CreateEntityIfAbsent(ctx, "1", "Renamed"); err != nil {
		t.Fatalf("second CreateEntityIfAbsent: %v", err)
	}

	names, err := e.Names(ctx, "1")
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if len(names) != 1 || names[0].Name != "Ivan Petrov" {
		t.Errorf("names = %+v", names)
	}
}

func TestAppendSession_ReplacesDuplicates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AppendSession(ctx, session("1", base, base.Add(time.Minute))); err != nil {
		t.Fatalf("AppendSession: %v", err)
	}
	if err := e.AppendSession(ctx, session("1", base, base.Add(2*time.Minute))); err != nil {
		t.Fatalf("AppendSession: %v", err)
	}

	var n int
	var to string
	if err := e.db.QueryRow(`SELECT COUNT(1), MAX(time_to) FROM sessions`).Scan(&n, &to); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	if to != "2024-03-01 10:01:50" {
		t.Errorf("time_to = %q", to)
	}
}

func TestAppendSession_RejectsOpen(t *testing.T) {
	e := newTestEngine(t)
	err := e.AppendSession(context.Background(), presence.Session{EntityID: "1", StartedAt: base})
	if err == nil || !strings.Contains(err.Error(), "still open") {
		t.Errorf("err = %v, want still open error", err)
	}
}

func TestMergeHourBuckets_Additive(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first := presence.Buckets(session("1", base, base.Add(20*time.Second)))
	if err := e.MergeHourBuckets(ctx, first); err != nil {
		t.Fatalf("MergeHourBuckets: %v", err)
	}
	second := presence.Buckets(session("1", base.Add(30*time.Second), base.Add(90*time.Second)))
	if err := e.MergeHourBuckets(ctx, second); err != nil {
		t.Fatalf("MergeHourBuckets: %v", err)
	}
	if err := e.MergeHourBuckets(ctx, nil); err != nil {
		t.Fatalf("MergeHourBuckets(nil): %v", err)
	}
	if err := e.CreateEntityIfAbsent(ctx, "1", "one"); err != nil {
		t.Fatal(err)
	}

	maps, err := e.HourMap(ctx, "1", 0)
	if err != nil {
		t.Fatalf("HourMap: %v", err)
	}
	if len(maps) != 1 || len(maps[0].Hours) != 2 {
		t.Fatalf("map = %+v", maps)
	}
	h9 := presence.HourIndex(base)
	if maps[0].Hours[0].Hour != h9 || maps[0].Hours[0].Seconds != 10 {
		t.Errorf("hour 9 = %+v, want 10s", maps[0].Hours[0])
	}
	if maps[0].Hours[1].Hour != h9+1 || maps[0].Hours[1].Seconds != 70 {
		t.Errorf("hour 10 = %+v, want 70s", maps[0].Hours[1])
	}

	later, err := e.HourMap(ctx, "1", h9+1)
	if err != nil {
		t.Fatalf("HourMap: %v", err)
	}
	if len(later[0].Hours) != 1 {
		t.Errorf("from filter returned %+v", later[0].Hours)
	}
}

func TestMergeHourBuckets_Concurrent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	hour := presence.HourIndex(base)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.MergeHourBuckets(ctx, []presence.HourBucket{{EntityID: "1", Hour: hour, Seconds: 3}})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent merge: %v", err)
		}
	}

	var total int64
	if err := e.db.QueryRow(`SELECT time FROM map WHERE user_id = '1' AND hour = ?`, hour).Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 60 {
		t.Errorf("total = %d, want 60", total)
	}
}

func TestUsersAndDays(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_ = e.CreateEntityIfAbsent(ctx, "1", "Alice")
	_ = e.CreateEntityIfAbsent(ctx, "2", "Bob")
	day := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_ = e.AppendSession(ctx, session("1", day, day.Add(time.Hour)))
	_ = e.AppendSession(ctx, session("1", day.Add(72*time.Hour), day.Add(73*time.Hour)))

	users, err := e.Users(ctx, AllEntities)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %+v", users)
	}
	if users[0].ID != "1" || users[0].Name != "Alice" || users[0].Days != 4 {
		t.Errorf("users[0] = %+v, want Alice with 4 days", users[0])
	}
	if users[1].Days != 0 {
		t.Errorf("users[1] = %+v, want 0 days", users[1])
	}

	days, err := e.Days(ctx, "2")
	if err != nil {
		t.Fatalf("Days: %v", err)
	}
	if len(days) != 1 || days[0].ID != "2" {
		t.Errorf("days = %+v", days)
	}

	none, err := e.Users(ctx, "missing")
	if err != nil {
		t.Fatalf("Users(missing): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Users(missing) = %+v", none)
	}
}

func TestSessionsPaging(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_ = e.CreateEntityIfAbsent(ctx, "1", "Alice")
	day := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		start := day.Add(time.Duration(i) * 24 * time.Hour)
		_ = e.AppendSession(ctx, session("1", start, start.Add(30*time.Minute)))
	}

	all, err := e.Sessions(ctx, "1", 0, 0)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(all) != 1 || len(all[0].Sessions) != 5 {
		t.Fatalf("default page = %+v", all)
	}
	if all[0].Sessions[0].From != day.Unix() || all[0].Sessions[0].To != day.Add(30*time.Minute).Unix() {
		t.Errorf("first session = %+v", all[0].Sessions[0])
	}

	page, err := e.Sessions(ctx, "1", 1, 2)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(page[0].Sessions) != 2 {
		t.Fatalf("page = %+v, want 2 sessions", page[0].Sessions)
	}
	if page[0].Sessions[0].From != day.Add(24*time.Hour).Unix() {
		t.Errorf("page starts at %d, want day 1", page[0].Sessions[0].From)
	}
}

func TestStats(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_ = e.CreateEntityIfAbsent(ctx, "1", "Alice")
	s := session("1", base, base.Add(20*time.Second))
	_ = e.AppendSession(ctx, s)
	_ = e.MergeHourBuckets(ctx, presence.Buckets(s))

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Users != 1 || stats.Sessions != 1 || stats.Buckets != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestOptimize(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Optimize(context.Background()); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
}
