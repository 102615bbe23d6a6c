package syncx

import (
	"strconv"
	"time"
)

// TruncateMs drops sub-millisecond precision and normalizes to UTC.
// Server timestamps are kept at millisecond precision so values survive
// a round trip through JSON, Postgres and SQLite unchanged.
func TruncateMs(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Checkpoint formats a server timestamp as a sync checkpoint
func Checkpoint(t time.Time) string {
	return TruncateMs(t).Format(time.RFC3339Nano)
}

// ParseTime accepts RFC3339 (with or without fractional seconds) or
// numeric Unix milliseconds. Empty input is reported as not ok.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

// NewerThan reports whether a is strictly after b at millisecond precision
func NewerThan(a, b time.Time) bool {
	return TruncateMs(a).After(TruncateMs(b))
}
