// Package cache provides a bounded LRU store for tile payloads that also
// tracks which tiles are currently being fetched, so that repeated visibility
// checks never issue duplicate fetches for the same tile.
package cache

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/eak1mov/go-tileview/tile"
	"github.com/golang/groupcache/lru"
)

// DefaultMaxEntries is the default number of cached tiles.
const DefaultMaxEntries = 500

// Key identifies a tile of a dataset.
type Key struct {
	Dataset string
	tile.Coord
}

func NewKey(dataset string, c tile.Coord) Key {
	return Key{Dataset: dataset, Coord: c}
}

func (k Key) String() string {
	if k.Z != 0 {
		return fmt.Sprintf("%s:%d/%d/%d/%d", k.Dataset, k.Level, k.X, k.Y, k.Z)
	}
	return fmt.Sprintf("%s:%d/%d/%d", k.Dataset, k.Level, k.X, k.Y)
}

type Params struct {
	// MaxEntries bounds the number of cached payloads. Zero means DefaultMaxEntries.
	MaxEntries int
	// MaxBytes bounds the total payload size. Zero means unbounded.
	MaxBytes uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache
	loading  map[Key]struct{}
	maxBytes uint64
	bytes    uint64

	hits      uint64
	misses    uint64
	evictions uint64
}

func New(params Params) *Cache {
	maxEntries := params.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		lru:      lru.New(maxEntries),
		loading:  make(map[Key]struct{}),
		maxBytes: params.MaxBytes,
	}
	// Called with c.mu held: every lru mutation happens under the lock.
	c.lru.OnEvicted = func(_ lru.Key, value any) {
		c.bytes -= uint64(len(value.(tile.Payload).Data))
		c.evictions++
	}
	return c
}

func (c *Cache) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lru.Get(key)
	return ok
}

// Get returns the cached payload and marks it as most recently used.
func (c *Cache) Get(key Key) (tile.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return tile.Payload{}, false
	}
	c.hits++
	return value.(tile.Payload), true
}

// Set inserts or overwrites a payload, evicting least recently used entries
// while the cache is over capacity. Tiles marked as loading are not stored in
// the LRU list and therefore never evicted.
func (c *Cache) Set(key Key, payload tile.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Get(key); ok {
		c.bytes -= uint64(len(old.(tile.Payload).Data))
	}
	c.lru.Add(key, payload)
	c.bytes += uint64(len(payload.Data))

	for c.maxBytes > 0 && c.bytes > c.maxBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
}

// Delete removes a single entry. The removal is not counted as an eviction.
func (c *Cache) Delete(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(key); !ok {
		return false
	}
	// OnEvicted fires for explicit removals too.
	c.lru.Remove(key)
	c.evictions--
	return true
}

func (c *Cache) IsLoading(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loading[key]
	return ok
}

// StartLoading marks key as being fetched. It must be called before the fetch begins.
func (c *Cache) StartLoading(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading[key] = struct{}{}
}

// TryStartLoading marks key as being fetched unless it is already cached or loading.
// It reports whether the caller owns the fetch.
func (c *Cache) TryStartLoading(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.loading[key]; ok {
		return false
	}
	if _, ok := c.lru.Get(key); ok {
		return false
	}
	c.loading[key] = struct{}{}
	return true
}

// DoneLoading clears the loading marker. It must be called when the fetch
// settles, whether it succeeded or not.
func (c *Cache) DoneLoading(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loading, key)
}

// Clear drops all entries and loading markers.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	evictions := c.evictions
	c.lru.Clear()
	c.evictions = evictions
	c.bytes = 0
	clear(c.loading)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) LoadingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loading)
}

type Stats struct {
	Len       int
	Loading   int
	Bytes     uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:       c.lru.Len(),
		Loading:   len(c.loading),
		Bytes:     c.bytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%d tiles (%s), %d loading, %d hits, %d misses, %d evictions",
		s.Len, humanize.Bytes(s.Bytes), s.Loading, s.Hits, s.Misses, s.Evictions)
}
