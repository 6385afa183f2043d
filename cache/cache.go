// Package cache stores provider responses under a request fingerprint. The
// cache is bounded by the summed serialized size of its entries, evicts the
// least recently used entry when that budget is exceeded, and expires
// entries by TTL.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/JohnPlummer/llm-orchestrator/metrics"
)

// Sizer reports the byte size charged against the cache budget for a value.
type Sizer[V any] func(V) (int64, error)

// JSONSize charges a value by the length of its JSON encoding.
func JSONSize[V any](v V) (int64, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to size cache value: %w", err)
	}
	return int64(len(b)), nil
}

type entry[V any] struct {
	value      V
	createdAt  time.Time
	lastAccess time.Time
	tick       uint64
	ttl        time.Duration
	size       int64
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// olderThan orders entries by last access, breaking clock ties by access order.
func (e *entry[V]) olderThan(o *entry[V]) bool {
	if e.lastAccess.Equal(o.lastAccess) {
		return e.tick < o.tick
	}
	return e.lastAccess.Before(o.lastAccess)
}

// Stats is a point-in-time view of cache occupancy and counters
type Stats struct {
	Count       int
	CurrentSize int64
	MaxSize     int64
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// Cache is a goroutine-safe TTL and byte-bounded LRU cache.
type Cache[V any] struct {
	mu          sync.Mutex
	config      Config
	entries     map[string]*entry[V]
	currentSize int64
	tick        uint64

	hits, misses, evictions, expirations uint64

	now     func() time.Time
	sizer   Sizer[V]
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option configures a Cache
type Option[V any] func(*Cache[V])

// WithClock replaces time.Now. Used by tests to drive expiry.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

// WithSizer replaces the JSON sizer
func WithSizer[V any](sizer Sizer[V]) Option[V] {
	return func(c *Cache[V]) {
		c.sizer = sizer
	}
}

// WithLogger sets the logger
func WithLogger[V any](logger *slog.Logger) Option[V] {
	return func(c *Cache[V]) {
		c.logger = logger
	}
}

// WithMetrics records lookups and removals on m
func WithMetrics[V any](m *metrics.Recorder) Option[V] {
	return func(c *Cache[V]) {
		c.metrics = m
	}
}

// New creates a cache. Zero config fields take their defaults.
func New[V any](config Config, opts ...Option[V]) *Cache[V] {
	if config.MaxSizeBytes <= 0 {
		config.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}

	c := &Cache[V]{
		config:  config,
		entries: make(map[string]*entry[V]),
		now:     time.Now,
		sizer:   JSONSize[V],
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored under key. A hit refreshes the entry's
// recency but not its age; an entry older than its TTL is removed and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	now := c.now()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.metrics.RecordCacheMiss()
		return zero, false
	}

	if e.expired(now) {
		c.remove(key, e)
		c.expirations++
		c.misses++
		c.metrics.RecordCacheRemoval("expired")
		c.metrics.RecordCacheMiss()
		c.metrics.SetCacheSize(c.currentSize, len(c.entries))
		return zero, false
	}

	c.tick++
	e.lastAccess = now
	e.tick = c.tick
	c.hits++
	c.metrics.RecordCacheHit()
	return e.value, true
}

// Set stores value under key for ttl (the configured default when ttl <= 0).
// Expired entries are swept first, then least recently used entries are
// evicted until the new value fits. Values that cannot be sized, or that are
// larger than the whole budget, are not stored.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	size, err := c.sizer(value)
	if err != nil {
		c.logger.Warn("Failed to size cache entry, skipping",
			"key", key,
			"error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if old, ok := c.entries[key]; ok {
		c.remove(key, old)
	}

	if size > c.config.MaxSizeBytes {
		c.logger.Warn("Cache entry exceeds maximum size, skipping",
			"key", key,
			"size", size,
			"max_size", c.config.MaxSizeBytes)
		c.metrics.SetCacheSize(c.currentSize, len(c.entries))
		return
	}

	c.sweep(now)

	for c.currentSize+size > c.config.MaxSizeBytes && len(c.entries) > 0 {
		c.evictOldest()
	}

	c.tick++
	c.entries[key] = &entry[V]{
		value:      value,
		createdAt:  now,
		lastAccess: now,
		tick:       c.tick,
		ttl:        ttl,
		size:       size,
	}
	c.currentSize += size
	c.metrics.SetCacheSize(c.currentSize, len(c.entries))
}

// Delete removes key and reports whether it was present
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.remove(key, e)
	c.metrics.SetCacheSize(c.currentSize, len(c.entries))
	return true
}

// Clear removes every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[V])
	c.currentSize = 0
	c.metrics.SetCacheSize(0, 0)
}

// Cleanup removes every expired entry and returns how many were removed.
func (c *Cache[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.sweep(c.now())
	c.metrics.SetCacheSize(c.currentSize, len(c.entries))
	return n
}

// Stats returns current occupancy and lifetime counters
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Count:       len(c.entries),
		CurrentSize: c.currentSize,
		MaxSize:     c.config.MaxSizeBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep must be called with c.mu held.
func (c *Cache[V]) sweep(now time.Time) int {
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			c.remove(key, e)
			c.expirations++
			c.metrics.RecordCacheRemoval("expired")
			removed++
		}
	}
	return removed
}

// evictOldest scans every entry for the least recently used one. Must be
// called with c.mu held.
func (c *Cache[V]) evictOldest() {
	var (
		oldestKey string
		oldest    *entry[V]
	)
	for key, e := range c.entries {
		if oldest == nil || e.olderThan(oldest) {
			oldestKey, oldest = key, e
		}
	}
	if oldest == nil {
		return
	}

	c.remove(oldestKey, oldest)
	c.evictions++
	c.metrics.RecordCacheRemoval("evicted")
	c.logger.Debug("Evicted cache entry",
		"key", oldestKey,
		"size", oldest.size)
}

func (c *Cache[V]) remove(key string, e *entry[V]) {
	delete(c.entries, key)
	c.currentSize -= e.size
}
