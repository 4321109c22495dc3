package presence

import "time"

// Entity is one roster item as reported by a snapshot source.
type Entity struct {
	ID               string
	Name             string
	Online           bool
	LastSeenAt       time.Time
	LastSeenPlatform int
}

// Dedupe returns the roster with duplicate ids removed, keeping the first
// occurrence of each id. The input slice is not modified.
func Dedupe(entities []Entity) []Entity {
	seen := make(map[string]struct{}, len(entities))
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	return out
}
