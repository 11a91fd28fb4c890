package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ppiankov/policycache/internal/model"
	"github.com/ppiankov/policycache/internal/store"
)

// Options configures a Cache
type Options struct {
	// Enabled false makes every Get a miss; writes are still stored
	Enabled bool

	// ExpiryDays is the TTL applied on read; 0 disables expiry
	ExpiryDays int

	// MemoryTTL keeps read records in process for this long; 0 disables the layer
	MemoryTTL time.Duration

	Logger *slog.Logger
}

// Cache is the entry point for the summarization handler. It applies one
// expiry policy whatever backend it wraps.
type Cache struct {
	store      store.Store
	enabled    bool
	expiryDays int
	maxAge     time.Duration
	memory     *memoryLayer // nil when disabled
	logger     *slog.Logger
	now        store.Clock
}

// New wraps s. The store is fixed for the lifetime of the Cache.
func New(s store.Store, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		store:      s,
		enabled:    opts.Enabled,
		expiryDays: opts.ExpiryDays,
		maxAge:     store.Days(opts.ExpiryDays),
		logger:     logger.With("component", "cache"),
		now:        time.Now,
	}
	if opts.MemoryTTL > 0 {
		c.memory = newMemoryLayer(opts.MemoryTTL)
	}
	return c
}

// Backend returns the name of the wrapped store
func (c *Cache) Backend() string {
	return c.store.Name()
}

// Get returns the fresh record cached for rawURL. Missing and expired
// records are both reported as a miss; backend failures are returned as
// errors, never as a miss.
func (c *Cache) Get(ctx context.Context, rawURL string) (model.Record, bool, error) {
	if !c.enabled {
		return model.Record{}, false, nil
	}

	key := store.KeyFor(rawURL)
	var gen generation
	if c.memory != nil {
		if rec, ok := c.memory.get(key); ok {
			if !store.IsExpired(rec.Timestamp, c.maxAge, c.now()) {
				return rec, true, nil
			}
			c.memory.drop(key)
		}
		gen = c.memory.generation(key)
	}

	rec, err := c.store.GetByURL(ctx, rawURL, c.maxAge)
	switch {
	case errors.Is(err, store.ErrExpired):
		c.logger.Debug("cache expired", "url", rawURL, "expiry_days", c.expiryDays)
		return model.Record{}, false, nil
	case errors.Is(err, store.ErrNotFound):
		c.logger.Debug("cache miss", "url", rawURL)
		return model.Record{}, false, nil
	case err != nil:
		return model.Record{}, false, fmt.Errorf("get %s: %w", rawURL, err)
	}

	if c.memory != nil && !c.memory.setIfCurrent(key, rec, gen) {
		c.logger.Debug("record changed during read, not kept in memory", "url", rawURL)
	}
	c.logger.Debug("cache hit", "url", rawURL, "id", rec.ID)
	return rec, true, nil
}

// Put stores the summaries for entry.URL and returns the record id
func (c *Cache) Put(ctx context.Context, entry model.Entry) (string, error) {
	if c.memory != nil {
		defer c.memory.invalidate(store.KeyFor(entry.URL))
	}

	id, err := c.store.Save(ctx, entry)
	if err != nil {
		return "", fmt.Errorf("save %s: %w", entry.URL, err)
	}
	return id, nil
}

// GetByID returns the record with the given id regardless of its age
func (c *Cache) GetByID(ctx context.Context, id string) (model.Record, bool, error) {
	rec, err := c.store.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, fmt.Errorf("get id %s: %w", id, err)
	}
	return rec, true, nil
}

// Recent returns up to limit records, newest first
func (c *Cache) Recent(ctx context.Context, limit int) ([]model.Record, error) {
	records, err := c.store.GetRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	return records, nil
}

// Delete removes the record with the given id
func (c *Cache) Delete(ctx context.Context, id string) (bool, error) {
	if c.memory != nil {
		// The memory layer is keyed by url hash, which we do not know here
		defer c.memory.flush()
	}
	ok, err := c.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	return ok, nil
}

// DeleteByURL removes the record cached for rawURL, expired or not
func (c *Cache) DeleteByURL(ctx context.Context, rawURL string) (bool, error) {
	if c.memory != nil {
		defer c.memory.invalidate(store.KeyFor(rawURL))
	}
	ok, err := c.store.DeleteByURL(ctx, rawURL)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", rawURL, err)
	}
	return ok, nil
}

// ClearOld deletes every record older than days and returns how many went
func (c *Cache) ClearOld(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("days must not be negative, got %d", days)
	}
	n, err := c.store.ClearOld(ctx, store.Days(days))
	if c.memory != nil {
		c.memory.flush()
	}
	if err != nil {
		return n, fmt.Errorf("clear old: %w", err)
	}
	return n, nil
}

// Stats reports the backend contents and the configured expiry
func (c *Cache) Stats(ctx context.Context) (model.Stats, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return model.Stats{}, fmt.Errorf("stats: %w", err)
	}
	stats.ExpiryDays = c.expiryDays
	return stats, nil
}

// Close releases the wrapped store
func (c *Cache) Close() error {
	return c.store.Close()
}
