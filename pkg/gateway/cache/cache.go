// Package cache keeps hot, small objects in memory. It wraps
// hashicorp/golang-lru/v2/expirable: entries leave on TTL expiry or
// capacity pressure without notice.
package cache

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tendant/object-gateway/pkg/gateway"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_cache_hits_total",
		Help: "Total number of file cache hits.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_cache_misses_total",
		Help: "Total number of file cache misses.",
	})
)

// Defaults
const (
	DefaultMaxCapacity = 1000
	DefaultTTL         = time.Hour
	DefaultMaxFileSize = 10 << 20
)

// Config controls admission and eviction.
type Config struct {
	MaxCapacity int           `yaml:"max_capacity" env:"CACHE_MAX_CAPACITY" env-default:"1000"`
	TTL         time.Duration `yaml:"ttl" env:"CACHE_TTL" env-default:"1h"`
	MaxFileSize int64         `yaml:"max_file_size" env:"CACHE_MAX_FILE_SIZE" env-default:"10485760"`
	Enabled     bool          `yaml:"enabled" env:"CACHE_ENABLED" env-default:"false"`
}

// DefaultConfig returns a disabled cache configuration with default limits.
func DefaultConfig() Config {
	return Config{
		MaxCapacity: DefaultMaxCapacity,
		TTL:         DefaultTTL,
		MaxFileSize: DefaultMaxFileSize,
	}
}

// Stats is a point-in-time snapshot. WeightedSize is the approximate sum
// of cached payload sizes.
type Stats struct {
	EntryCount   int     `json:"entry_count"`
	WeightedSize int64   `json:"weighted_size"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
}

type entry struct {
	data []byte
	meta *gateway.Metadata
}

// FileCache is safe for concurrent use.
type FileCache struct {
	config Config
	lru    *expirable.LRU[string, entry]

	// mu serialises the remove-then-add sequence in Put so size stays exact.
	mu sync.Mutex
	// gen advances on every invalidation, under mu.
	gen    uint64
	size   atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache. Zero limits fall back to the defaults.
func New(config Config) *FileCache {
	if config.MaxCapacity <= 0 {
		config.MaxCapacity = DefaultMaxCapacity
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}

	c := &FileCache{config: config}
	c.lru = expirable.NewLRU[string, entry](config.MaxCapacity, func(key string, e entry) {
		c.size.Add(-int64(len(e.data)))
	}, config.TTL)
	return c
}

// Config returns the effective configuration.
func (c *FileCache) Config() Config {
	return c.config
}

// Enabled reports whether the cache admits and serves entries.
func (c *FileCache) Enabled() bool {
	return c.config.Enabled
}

// Get returns copies of the cached payload and metadata. A disabled cache
// never hits.
func (c *FileCache) Get(key string) ([]byte, *gateway.Metadata, bool) {
	if !c.config.Enabled {
		return nil, nil, false
	}
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		cacheMissesTotal.Inc()
		return nil, nil, false
	}
	c.hits.Add(1)
	cacheHitsTotal.Inc()
	return slices.Clone(e.data), e.meta.Clone(), true
}

// Put admits data when the cache is enabled and data fits MaxFileSize.
// It reports whether the entry was admitted.
func (c *FileCache) Put(key string, data []byte, meta *gateway.Metadata) bool {
	return c.put(key, data, meta, nil)
}

// put admits the entry. With since set, it is dropped when any
// invalidation happened after generation *since was read.
func (c *FileCache) put(key string, data []byte, meta *gateway.Metadata, since *uint64) bool {
	if !c.config.Enabled || int64(len(data)) > c.config.MaxFileSize {
		return false
	}
	e := entry{data: slices.Clone(data), meta: meta.Clone()}
	if e.data == nil {
		e.data = []byte{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if since != nil && *since != c.gen {
		return false
	}
	// Add does not report the value it replaces; remove first so the
	// eviction callback accounts for it.
	c.lru.Remove(key)
	c.size.Add(int64(len(e.data)))
	c.lru.Add(key, e)
	return true
}

// Invalidate drops key and reports whether it was cached. It works
// whether or not the cache is enabled.
func (c *FileCache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.lru.Remove(key)
}

// InvalidatePrefix drops every key starting with prefix and returns the count.
func (c *FileCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	n := 0
	for _, key := range c.lru.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			if c.lru.Remove(key) {
				n++
			}
		}
	}
	return n
}

// Clear drops everything.
func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
}

// Stats returns counters and occupancy.
func (c *FileCache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{
		EntryCount:   c.lru.Len(),
		WeightedSize: c.size.Load(),
		Hits:         hits,
		Misses:       misses,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Loader fetches an object on a cache miss.
type Loader func(ctx context.Context) ([]byte, *gateway.Metadata, error)

// ReadThrough serves key from the cache or calls load and admits the
// result. A result is not admitted when an invalidation ran while load
// was in flight, since it may predate the write that caused it.
func (c *FileCache) ReadThrough(ctx context.Context, key string, load Loader) ([]byte, *gateway.Metadata, error) {
	if data, meta, ok := c.Get(key); ok {
		return data, meta, nil
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	data, meta, err := load(ctx)
	if err != nil {
		return nil, nil, err
	}
	c.put(key, data, meta, &gen)
	return data, meta, nil
}
