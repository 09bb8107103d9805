// Package cache provides index query result caching for koandb.
//
// Repeated exact and wildcard lookups against an unchanged index return the
// same hits, so the result of a query can be reused until the next commit.
// Keys embed the committed state version, which makes a cached result
// unreachable as soon as the state it was computed from is replaced.
//
// Entries are bounded by count and optionally by age:
//
//	key := Key("exact", version, "companions", "name", "Rose Tyler")
//	if hits, ok := qc.Get(key); ok {
//		return hits.(index.Hits)
//	}
//	hits := snapshot.Exact("companions", "name", "Rose Tyler")
//	qc.Put(key, hits)
package cache

import (
	"container/list"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// QueryCache maps query keys to index hits. Entries are evicted least
// recently used first once maxSize is reached, and expire after ttl when ttl
// is positive. A disabled cache stores nothing and counts every lookup as a
// miss.
type QueryCache struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration
	enabled bool
	now     func() time.Time

	// recency holds *cacheEntry values, most recently used at the front
	recency *list.List
	byKey   map[uint64]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	key       uint64
	hits      any
	expiresAt time.Time // zero when the cache has no ttl
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewQueryCache returns an enabled cache holding at most maxSize results
// (1000 when maxSize is not positive). A ttl of zero keeps results until
// they are evicted or the cache is cleared.
//
//	qc := NewQueryCache(512, time.Minute)
func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &QueryCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		now:     time.Now,
		recency: list.New(),
		byKey:   make(map[uint64]*list.Element, maxSize),
	}
}

// Key hashes a query kind, the state version it runs against and its
// arguments into a cache key. Parts are length-prefixed so ("ab", "c") and
// ("a", "bc") hash differently.
func Key(kind string, version uint64, parts ...string) uint64 {
	d := xxhash.New()
	var buf [20]byte
	writePart := func(s string) {
		_, _ = d.Write(strconv.AppendInt(buf[:0], int64(len(s)), 10))
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(s)
	}
	writePart(kind)
	writePart(strconv.FormatUint(version, 10))
	for _, p := range parts {
		writePart(p)
	}
	return d.Sum64()
}

// Get returns the hits stored under key. Expired entries are dropped and
// reported as misses.
func (c *QueryCache) Get(key uint64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[key]
	if !c.enabled || !ok {
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if entry.expired(c.now()) {
		c.drop(elem)
		c.misses.Add(1)
		return nil, false
	}

	c.recency.MoveToFront(elem)
	c.hits.Add(1)
	return entry.hits, true
}

// Put stores hits under key, replacing any previous value and evicting the
// least recently used entries when the cache is full.
func (c *QueryCache) Put(key uint64, hits any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, ok := c.byKey[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.hits = hits
		entry.expiresAt = expiresAt
		c.recency.MoveToFront(elem)
		return
	}

	for c.recency.Len() >= c.maxSize {
		c.drop(c.recency.Back())
	}
	c.byKey[key] = c.recency.PushFront(&cacheEntry{key: key, hits: hits, expiresAt: expiresAt})
}

// Remove drops the entry stored under key, if any.
func (c *QueryCache) Remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[key]; ok {
		c.drop(elem)
	}
}

// Clear drops every entry. The hit and miss counters are kept.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Len returns the number of stored entries, expired ones included.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

// CacheStats is a point-in-time view of the cache counters.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64 // percent of lookups that hit, 0 before any lookup
}

// Stats returns the current counters.
func (c *QueryCache) Stats() CacheStats {
	stats := CacheStats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

// SetEnabled turns the cache on or off. Turning it off drops every entry.
func (c *QueryCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.reset()
	}
}

// Enabled reports whether the cache stores results.
func (c *QueryCache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// reset and drop must be called with c.mu held.
func (c *QueryCache) reset() {
	c.recency.Init()
	c.byKey = make(map[uint64]*list.Element, c.maxSize)
}

func (c *QueryCache) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.byKey, elem.Value.(*cacheEntry).key)
}
