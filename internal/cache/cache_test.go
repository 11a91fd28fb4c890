package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/policycache/internal/model"
	"github.com/ppiankov/policycache/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore is a map-backed store.Store that counts lookups and can fail
type mockStore struct {
	mu      sync.Mutex
	byURL   map[string]model.Record
	lookups int
	err     error
	now     func() time.Time
}

func newMockStore() *mockStore {
	return &mockStore{byURL: make(map[string]model.Record), now: time.Now}
}

func (m *mockStore) Name() string { return "mock" }

func (m *mockStore) GetByURL(ctx context.Context, rawURL string, maxAge time.Duration) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.err != nil {
		return model.Record{}, m.err
	}
	rec, ok := m.byURL[store.KeyFor(rawURL)]
	if !ok {
		return model.Record{}, store.ErrNotFound
	}
	if store.IsExpired(rec.Timestamp, maxAge, m.now()) {
		return model.Record{}, store.ErrExpired
	}
	return rec, nil
}

func (m *mockStore) Save(ctx context.Context, e model.Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	key := store.KeyFor(e.URL)
	rec := m.byURL[key]
	if rec.ID == "" {
		rec.ID = "id-" + key
	}
	rec.URL = e.URL
	rec.ShortSummary = e.ShortSummary
	rec.FullSummary = e.FullSummary
	rec.Timestamp = store.FormatTimestamp(m.now())
	m.byURL[key] = rec
	return rec.ID, nil
}

func (m *mockStore) GetByID(ctx context.Context, id string) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.byURL {
		if rec.ID == id {
			return rec, nil
		}
	}
	return model.Record{}, store.ErrNotFound
}

func (m *mockStore) GetRecent(ctx context.Context, limit int) ([]model.Record, error) {
	return nil, m.err
}

func (m *mockStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.byURL {
		if rec.ID == id {
			delete(m.byURL, key)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) DeleteByURL(ctx context.Context, rawURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := store.KeyFor(rawURL)
	_, ok := m.byURL[key]
	delete(m.byURL, key)
	return ok, nil
}

func (m *mockStore) ClearOld(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (m *mockStore) Import(ctx context.Context, rec model.Record) error {
	return nil
}

func (m *mockStore) Stats(ctx context.Context) (model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Stats{Backend: "mock", Records: len(m.byURL)}, nil
}

func (m *mockStore) Close() error { return nil }

func TestCacheHitAndMiss(t *testing.T) {
	ctx := context.Background()
	c := New(newMockStore(), Options{Enabled: true, ExpiryDays: 30})

	_, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := c.Put(ctx, model.Entry{URL: "https://www.example.com/tos/", ShortSummary: "A"})
	require.NoError(t, err)

	rec, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "A", rec.ShortSummary)
	assert.Equal(t, "mock", c.Backend())
}

func TestCacheExpiredIsMiss(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	c := New(ms, Options{Enabled: true, ExpiryDays: 30})

	ms.now = func() time.Time { return time.Now().Add(-store.Days(31)) }
	id, err := c.Put(ctx, model.Entry{URL: "example.com/tos", ShortSummary: "old"})
	require.NoError(t, err)
	ms.now = time.Now

	_, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.False(t, ok)

	// Still reachable by id
	rec, ok, err := c.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", rec.ShortSummary)
}

func TestCacheExpiryDisabled(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	c := New(ms, Options{Enabled: true, ExpiryDays: 0})

	ms.now = func() time.Time { return time.Now().Add(-store.Days(3650)) }
	_, err := c.Put(ctx, model.Entry{URL: "example.com/tos", ShortSummary: "ancient"})
	require.NoError(t, err)
	ms.now = time.Now

	_, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheDisabledAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	c := New(ms, Options{Enabled: false, ExpiryDays: 30})

	id, err := c.Put(ctx, model.Entry{URL: "example.com/tos", ShortSummary: "A"})
	require.NoError(t, err)

	_, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, ms.lookups, "a disabled cache does not read the store")

	_, ok, err = c.GetByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "writes are still stored")
}

func TestCacheBackendErrorIsNotAMiss(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	ms.err = &store.BackendError{Backend: "mock", Op: "query", Err: errors.New("timeout")}
	c := New(ms, Options{Enabled: true, ExpiryDays: 30})

	_, ok, err := c.Get(ctx, "example.com/tos")
	assert.False(t, ok)
	var berr *store.BackendError
	assert.ErrorAs(t, err, &berr)

	_, err = c.Put(ctx, model.Entry{URL: "example.com/tos"})
	assert.ErrorAs(t, err, &berr)
}

func TestCacheMemoryLayer(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	c := New(ms, Options{Enabled: true, ExpiryDays: 30, MemoryTTL: time.Minute})

	_, err := c.Put(ctx, model.Entry{URL: "example.com/tos", ShortSummary: "A"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec, ok, err := c.Get(ctx, "https://example.com/tos")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "A", rec.ShortSummary)
	}
	assert.Equal(t, 1, ms.lookups)
	assert.Equal(t, 1, c.memory.len())

	// Put invalidates the remembered record
	_, err = c.Put(ctx, model.Entry{URL: "example.com/tos", ShortSummary: "B"})
	require.NoError(t, err)
	rec, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", rec.ShortSummary)
	assert.Equal(t, 2, ms.lookups)

	ok, err = c.DeleteByURL(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheMemoryLayerHonorsExpiry(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	c := New(ms, Options{Enabled: true, ExpiryDays: 30, MemoryTTL: time.Hour})

	_, err := c.Put(ctx, model.Entry{URL: "example.com/tos", ShortSummary: "A"})
	require.NoError(t, err)
	_, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	require.True(t, ok)

	// The remembered record ages past the expiry window
	c.now = func() time.Time { return time.Now().Add(store.Days(31)) }
	ms.now = c.now

	_, ok, err = c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.memory.len())
}

func TestCacheMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	c := New(ms, Options{Enabled: true, ExpiryDays: 30, MemoryTTL: time.Minute})

	_, err := c.Put(ctx, model.Entry{URL: "example.com/tos", ShortSummary: "A"})
	require.NoError(t, err)
	key := store.KeyFor("example.com/tos")
	r := ms.byURL[key]
	r.PolicyTypes = []string{"terms"}
	ms.byURL[key] = r

	first, _, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	first.PolicyTypes[0] = "mutated"

	second, _, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.Equal(t, []string{"terms"}, second.PolicyTypes)
}

// slowStore holds its first GetByURL open after the record has been read
type slowStore struct {
	*mockStore
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func newSlowStore(ms *mockStore) *slowStore {
	return &slowStore{mockStore: ms, read: make(chan struct{}), release: make(chan struct{})}
}

func (s *slowStore) GetByURL(ctx context.Context, rawURL string, maxAge time.Duration) (model.Record, error) {
	rec, err := s.mockStore.GetByURL(ctx, rawURL, maxAge)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return rec, err
}

// readAcross starts a Get, runs write while the store read is in flight,
// then lets the read finish
func readAcross(t *testing.T, c *Cache, ss *slowStore, rawURL string, write func()) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Get(context.Background(), rawURL)
		done <- err
	}()

	<-ss.read
	write()
	close(ss.release)
	require.NoError(t, <-done)
}

func TestCacheMemoryNotRefilledByReadOverlappingPut(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	_, err := ms.Save(ctx, model.Entry{URL: "example.com/tos", FullSummary: "A"})
	require.NoError(t, err)

	ss := newSlowStore(ms)
	c := New(ss, Options{Enabled: true, ExpiryDays: 30, MemoryTTL: time.Hour})

	readAcross(t, c, ss, "example.com/tos", func() {
		_, err := c.Put(ctx, model.Entry{URL: "example.com/tos", FullSummary: "B"})
		require.NoError(t, err)
	})
	assert.Zero(t, c.memory.len())

	rec, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", rec.FullSummary)

	// Once nothing races the read, the layer is filled again
	assert.Equal(t, 1, c.memory.len())
}

func TestCacheMemoryNotRefilledByReadOverlappingDelete(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	id, err := ms.Save(ctx, model.Entry{URL: "example.com/tos", FullSummary: "A"})
	require.NoError(t, err)

	ss := newSlowStore(ms)
	c := New(ss, Options{Enabled: true, ExpiryDays: 30, MemoryTTL: time.Hour})

	readAcross(t, c, ss, "example.com/tos", func() {
		ok, err := c.Delete(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	})

	_, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheMemoryNotRefilledByReadOverlappingDeleteByURL(t *testing.T) {
	ctx := context.Background()
	ms := newMockStore()
	_, err := ms.Save(ctx, model.Entry{URL: "example.com/tos", FullSummary: "A"})
	require.NoError(t, err)

	ss := newSlowStore(ms)
	c := New(ss, Options{Enabled: true, ExpiryDays: 30, MemoryTTL: time.Hour})

	readAcross(t, c, ss, "example.com/tos", func() {
		ok, err := c.DeleteByURL(ctx, "https://example.com/tos/")
		require.NoError(t, err)
		require.True(t, ok)
	})

	_, ok, err := c.Get(ctx, "example.com/tos")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheClearOldRejectsNegativeDays(t *testing.T) {
	c := New(newMockStore(), Options{Enabled: true})
	_, err := c.ClearOld(context.Background(), -1)
	assert.Error(t, err)
}

func TestCacheStatsReportsExpiry(t *testing.T) {
	c := New(newMockStore(), Options{Enabled: true, ExpiryDays: 14})
	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 14, stats.ExpiryDays)
	assert.Equal(t, "mock", stats.Backend)
}

func TestCacheOverFileStore(t *testing.T) {
	ctx := context.Background()
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "summaries_db.json"), nil)
	require.NoError(t, err)
	c := New(fs, Options{Enabled: true, ExpiryDays: 30, MemoryTTL: time.Minute})
	defer func() { _ = c.Close() }()

	id, err := c.Put(ctx, model.Entry{URL: "https://www.example.com/privacy/", ShortSummary: "s", PolicyTypes: []string{"privacy"}})
	require.NoError(t, err)

	rec, ok, err := c.Get(ctx, "example.com/privacy#intro")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, rec.ID)

	recent, err := c.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	ok, err = c.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, c.memory.len())

	_, ok, err = c.Get(ctx, "example.com/privacy")
	require.NoError(t, err)
	assert.False(t, ok)
}
