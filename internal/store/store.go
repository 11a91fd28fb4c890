package store

import (
	"context"
	"sort"
	"time"

	"github.com/ppiankov/policycache/internal/model"
)

// Store is the storage contract shared by FileStore and TableStore.
// A Store is picked once at startup and passed to whoever needs it.
type Store interface {
	// Name identifies the backend ("file" or "table")
	Name() string

	// GetByURL looks a record up by URL. It returns ErrNotFound on a miss and
	// ErrExpired when the record is older than maxAge (maxAge <= 0 disables
	// the check). Expired records are left in place.
	GetByURL(ctx context.Context, rawURL string, maxAge time.Duration) (model.Record, error)

	// Save upserts the entry and returns the record id. An existing record
	// for the same normalized URL keeps its id and CreatedAt.
	Save(ctx context.Context, entry model.Entry) (string, error)

	// GetByID returns ErrNotFound when no record has that id
	GetByID(ctx context.Context, id string) (model.Record, error)

	// GetRecent returns up to limit records, newest first. limit <= 0 returns all.
	GetRecent(ctx context.Context, limit int) ([]model.Record, error)

	// Delete removes a record and its URL index entry
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteByURL removes the record cached for rawURL, expired or not
	DeleteByURL(ctx context.Context, rawURL string) (bool, error)

	// ClearOld deletes every record last written before now-olderThan
	ClearOld(ctx context.Context, olderThan time.Duration) (int, error)

	// Import writes rec as-is, keeping its id and timestamps. Any other
	// record cached for the same URL is replaced.
	Import(ctx context.Context, rec model.Record) error

	Stats(ctx context.Context) (model.Stats, error)

	Close() error
}

// Clock returns the current time
type Clock func() time.Time

// sortRecent orders records newest first. Records with unparsable
// timestamps sort last; ties break on id so results are deterministic.
func sortRecent(records []model.Record) {
	parsed := make(map[string]time.Time, len(records))
	for _, r := range records {
		if t, err := ParseTimestamp(r.Timestamp); err == nil {
			parsed[r.ID] = t
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		ti, iok := parsed[records[i].ID]
		tj, jok := parsed[records[j].ID]
		switch {
		case iok && !jok:
			return true
		case !iok && jok:
			return false
		case iok && jok && !ti.Equal(tj):
			return ti.After(tj)
		}
		return records[i].ID < records[j].ID
	})
}

// takeRecent sorts records and cuts them to limit
func takeRecent(records []model.Record, limit int) []model.Record {
	sortRecent(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// nextTimestamp returns the write time for a record last written at prev.
// It never goes backwards so Timestamp always advances on update.
func nextTimestamp(now time.Time, prev string) time.Time {
	if p, err := ParseTimestamp(prev); err == nil && !now.After(p) {
		return p.Add(time.Microsecond)
	}
	return now
}

func normalizeTypes(types []string) []string {
	if types == nil {
		return []string{}
	}
	return append([]string{}, types...)
}
