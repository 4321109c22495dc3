package presence

import (
	"sort"
	"time"
)

const secondsPerHour = int64(time.Hour / time.Second)

// HourBucket is the number of seconds an entity spent online within one
// hour. Hour counts whole hours since the Unix epoch.
type HourBucket struct {
	EntityID string
	Hour     int64
	Seconds  int64
}

// HourIndex returns the number of whole hours between the Unix epoch and t.
func HourIndex(t time.Time) int64 {
	return floorDiv(t.Unix(), secondsPerHour)
}

// HourStart returns the first instant of the hour with the given index.
func HourStart(hour int64) time.Time {
	return time.Unix(hour*secondsPerHour, 0).UTC()
}

// Bucketize splits a closed session into hour-aligned contributions.
// The values sum to the session length in seconds. Open or empty sessions
// yield an empty map.
func Bucketize(s Session) map[int64]int64 {
	out := make(map[int64]int64)
	if s.IsOpen() {
		return out
	}

	start := s.StartedAt.Unix()
	remaining := s.EndedAt.Unix() - start
	hour := floorDiv(start, secondsPerHour)
	capacity := HourStart(hour+1).Unix() - start

	for remaining > 0 {
		contribution := min(remaining, capacity)
		out[hour] += contribution
		remaining -= contribution
		hour++
		capacity = secondsPerHour
	}
	return out
}

// Buckets is Bucketize flattened into merge entries ordered by hour.
func Buckets(s Session) []HourBucket {
	m := Bucketize(s)
	out := make([]HourBucket, 0, len(m))
	for hour, seconds := range m {
		out = append(out, HourBucket{EntityID: s.EntityID, Hour: hour, Seconds: seconds})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
