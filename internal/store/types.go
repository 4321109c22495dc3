package store

// AllEntities selects every known entity in query methods.
const AllEntities = "all"

// EntityName is one row of the users table.
type EntityName struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EntityDays is the number of days between an entity's first and last
// recorded session.
type EntityDays struct {
	ID   string `json:"id"`
	Days int64  `json:"days"`
}

// EntitySummary combines name and active days.
type EntitySummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Days int64  `json:"days"`
}

// SessionRecord is a stored session with unix-second bounds.
type SessionRecord struct {
	Platform int   `json:"platform"`
	From     int64 `json:"from"`
	To       int64 `json:"to"`
}

// EntitySessions is one page of an entity's sessions.
type EntitySessions struct {
	ID       string          `json:"id"`
	Sessions []SessionRecord `json:"sessions"`
}

// HourValue is one stored density bucket.
type HourValue struct {
	Hour    int64 `json:"hour"`
	Seconds int64 `json:"time"`
}

// EntityHourMap is an entity's hour density map.
type EntityHourMap struct {
	ID    string      `json:"id"`
	Hours []HourValue `json:"map"`
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	Users    int
	Sessions int
	Buckets  int
}

const (
	DefaultSessionDays = 30
	MaxSessionDays     = 366
)
