// Package cache implements the credential manager's hot-path accelerator: a
// bounded, approximate-LRU cache with per-entry TTL and version-aware
// invalidation, wrapping github.com/hashicorp/golang-lru/v2.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/credkeeper/core/internal/obs"
	"github.com/credkeeper/core/pkg/credential"
)

// DefaultMaxEntries is the default cache capacity.
const DefaultMaxEntries = 1000

// DefaultTTL is used when a credential carries no TTL of its own.
const DefaultTTL = 5 * time.Minute

// Entry is the value stored per cache key: a decrypted record plus the
// source version it was populated from, so the manager can detect and
// discard stale entries observed during a mutation.
type Entry struct {
	Record    credential.Record
	Version   credential.Version
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool { return now.After(e.ExpiresAt) }

// Stats mirrors the manager's cache_stats() operation.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// Cache is a concurrency-safe, TTL-aware LRU keyed by credential.ID. The
// underlying lru.Cache handles approximate-LRU eviction; Cache layers TTL
// expiry and hit/miss/eviction accounting, and version-aware invalidation,
// on top.
type Cache struct {
	mu      sync.Mutex
	inner   *lru.Cache[credential.ID, Entry]
	metrics *obs.Metrics

	hits      uint64
	misses    uint64
	evictions uint64
}

// New constructs a Cache with the given capacity. metrics may be nil, in
// which case hit/miss/eviction counters are tracked locally only.
func New(maxEntries int, metrics *obs.Metrics) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{metrics: metrics}
	// The evict callback fires synchronously inside inner.Add/Purge, which
	// only ever run with c.mu already held, so the bare increment is safe
	// and taking the lock here would self-deadlock.
	inner, err := lru.NewWithEvict(maxEntries, func(_ credential.ID, _ Entry) {
		c.evictions++
		if metrics != nil {
			metrics.CacheEvictions.Inc()
		}
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

// Get returns the cached entry for id if present and not expired. An
// expired entry counts as a miss and is purged.
func (c *Cache) Get(id credential.ID, now time.Time) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.inner.Get(id)
	if !ok {
		c.misses++
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return Entry{}, false
	}
	if entry.expired(now) {
		c.inner.Remove(id)
		c.misses++
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return Entry{}, false
	}
	c.hits++
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return entry, true
}

// Put populates or replaces the cache entry for record, using the smaller
// of ttl and the record's own expires_at-derived TTL. A Put for a version
// older than what's already cached is a no-op (version-aware guard against
// races with a concurrent mutation).
func (c *Cache) Put(record credential.Record, version credential.Version, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.inner.Peek(record.ID); ok && existing.Version > version {
		return
	}

	effectiveTTL := ttl
	if record.Metadata.TTLSeconds != nil {
		fromRecord := time.Duration(*record.Metadata.TTLSeconds) * time.Second
		if fromRecord < effectiveTTL || effectiveTTL <= 0 {
			effectiveTTL = fromRecord
		}
	}
	if effectiveTTL <= 0 {
		effectiveTTL = DefaultTTL
	}

	c.inner.Add(record.ID, Entry{
		Record:    record,
		Version:   version,
		ExpiresAt: now.Add(effectiveTTL),
	})
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(c.inner.Len()))
	}
}

// Invalidate removes the cache entry for id, if any. Safe to call on an
// absent id.
func (c *Cache) Invalidate(id credential.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(id)
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(c.inner.Len()))
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
	if c.metrics != nil {
		c.metrics.CacheSize.Set(0)
	}
}

// Stats returns the current hit/miss/eviction counters and live size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.inner.Len(),
	}
}
