package cache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/ppiankov/policycache/internal/model"
)

// generation identifies the state of one key between invalidations
type generation struct {
	epoch uint64
	key   uint64
}

// memoryLayer keeps recently read records in process, keyed by url hash.
//
// Every invalidation bumps a generation. A reader captures the generation
// before going to the store and only fills the layer if it is unchanged, so a
// record read before a concurrent write or delete is never cached after it.
type memoryLayer struct {
	cache *gocache.Cache

	mu    sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

func newMemoryLayer(ttl time.Duration) *memoryLayer {
	return &memoryLayer{
		cache: gocache.New(ttl, 2*ttl),
		gens:  make(map[string]uint64),
	}
}

func (m *memoryLayer) get(key string) (model.Record, bool) {
	if val, found := m.cache.Get(key); found {
		return val.(model.Record).Clone(), true
	}
	return model.Record{}, false
}

func (m *memoryLayer) generation(key string) generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return generation{epoch: m.epoch, key: m.gens[key]}
}

// setIfCurrent stores rec unless key was invalidated since gen was taken
func (m *memoryLayer) setIfCurrent(key string, rec model.Record, gen generation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != gen.epoch || m.gens[key] != gen.key {
		return false
	}
	m.cache.SetDefault(key, rec.Clone())
	return true
}

// drop removes an entry without bumping its generation
func (m *memoryLayer) drop(key string) {
	m.cache.Delete(key)
}

func (m *memoryLayer) invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[key]++
	m.cache.Delete(key)
}

func (m *memoryLayer) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.gens = make(map[string]uint64)
	m.cache.Flush()
}

func (m *memoryLayer) len() int {
	return m.cache.ItemCount()
}
