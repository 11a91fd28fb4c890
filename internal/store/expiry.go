package store

import (
	"time"

	"github.com/ppiankov/policycache/internal/model"
)

// legacyTimestampLayouts are the naive ISO-8601 forms written by earlier
// releases (local time, no offset)
var legacyTimestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// TimestampLayout is the fixed-width UTC form of Record.Timestamp. Values in
// this layout sort lexically in time order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTimestamp renders t in TimestampLayout, truncated to microseconds
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a Record.Timestamp value
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	for _, layout := range legacyTimestampLayouts {
		if lt, lerr := time.ParseInLocation(layout, s, time.Local); lerr == nil {
			return lt, nil
		}
	}
	return time.Time{}, err
}

// IsExpired reports whether a record written at timestamp is older than maxAge.
// A missing or unparsable timestamp counts as expired so that malformed
// entries get recomputed. A non-positive maxAge disables expiry.
func IsExpired(timestamp string, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false
	}
	t, err := ParseTimestamp(timestamp)
	if err != nil {
		return true
	}
	return t.Before(now.Add(-maxAge))
}

// Days converts a day count into a duration; zero or less disables expiry
func Days(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * 24 * time.Hour
}

// stamp fills the write timestamps of rec for a write at now.
// CreatedAt is only set when empty.
func stamp(rec *model.Record, now time.Time) {
	human := now.Local().Format(model.HumanTimeLayout)
	rec.Timestamp = FormatTimestamp(now)
	rec.UpdatedAt = human
	if rec.CreatedAt == "" {
		rec.CreatedAt = human
	}
}
