package presence

import (
	"sort"
	"time"
)

const (
	DefaultGraceThreshold = 5 * time.Minute
	DefaultMinSession     = 5 * time.Second
)

// Session is a bounded interval during which an entity was online.
// A zero EndedAt marks a session that is still open.
type Session struct {
	EntityID  string
	Platform  int
	StartedAt time.Time
	EndedAt   time.Time
}

// IsOpen reports whether the session has not been closed yet.
func (s Session) IsOpen() bool {
	return s.EndedAt.IsZero()
}

// Duration is the closed session length in whole seconds.
func (s Session) Duration() time.Duration {
	if s.IsOpen() {
		return 0
	}
	return time.Duration(s.EndedAt.Unix()-s.StartedAt.Unix()) * time.Second
}

// TrackerOptions tunes the session lifecycle thresholds.
type TrackerOptions struct {
	// GraceThreshold is the minimum age an open session needs to be
	// force-closed by Flush instead of being left for discard.
	GraceThreshold time.Duration
	// MinSession is the shortest session recorded. A logout that comes
	// sooner than this after the login, or before it, is moved to
	// StartedAt+MinSession.
	MinSession time.Duration
}

// Tracker keeps at most one open session per entity id. It is not safe for
// concurrent use; the owning watcher drives it from a single cycle at a time.
type Tracker struct {
	open  map[string]*Session
	grace time.Duration
	min   time.Duration
}

func NewTracker(opts TrackerOptions) *Tracker {
	if opts.GraceThreshold <= 0 {
		opts.GraceThreshold = DefaultGraceThreshold
	}
	if opts.MinSession < time.Second {
		opts.MinSession = DefaultMinSession
	}
	return &Tracker{
		open:  make(map[string]*Session),
		grace: opts.GraceThreshold,
		min:   opts.MinSession.Truncate(time.Second),
	}
}

// RegisterLogin opens a session for e unless one is already open.
func (t *Tracker) RegisterLogin(e Entity) {
	if _, ok := t.open[e.ID]; ok {
		return
	}
	t.open[e.ID] = &Session{
		EntityID:  e.ID,
		Platform:  e.LastSeenPlatform,
		StartedAt: e.LastSeenAt.Truncate(time.Second),
	}
}

// RegisterLogout closes the open session for e and returns it. It reports
// false when no session was open.
func (t *Tracker) RegisterLogout(e Entity) (Session, bool) {
	s, ok := t.open[e.ID]
	if !ok {
		return Session{}, false
	}
	delete(t.open, e.ID)

	s.Platform = e.LastSeenPlatform
	s.EndedAt = e.LastSeenAt.Truncate(time.Second)
	if s.Duration() < t.min {
		s.EndedAt = s.StartedAt.Add(t.min)
	}
	return *s, true
}

// Apply feeds one diff action into the tracker. It returns the session
// closed by the action, if any.
func (t *Tracker) Apply(a Action) (Session, bool) {
	switch a.Kind {
	case ActionLoggedIn:
		t.RegisterLogin(a.Entity)
	case ActionLoggedOut:
		return t.RegisterLogout(a.Entity)
	case ActionCreated, ActionUnchanged:
	}
	return Session{}, false
}

// Flush force-closes every session open longer than the grace threshold,
// ending it at now. Younger sessions stay open; they are lost when the
// tracker is discarded.
func (t *Tracker) Flush(now time.Time) []Session {
	now = now.Truncate(time.Second)
	var closed []Session
	for id, s := range t.open {
		if now.Sub(s.StartedAt) <= t.grace {
			continue
		}
		s.EndedAt = now
		closed = append(closed, *s)
		delete(t.open, id)
	}
	sortSessions(closed)
	return closed
}

// Open returns the open session for id.
func (t *Tracker) Open(id string) (Session, bool) {
	s, ok := t.open[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// OpenCount is the number of entities with an open session.
func (t *Tracker) OpenCount() int {
	return len(t.open)
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.EntityID < b.EntityID
	})
}
