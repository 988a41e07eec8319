// Package cache provides a TTL+LRU cache for task results and the
// deterministic task key derivation used to address it.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/openclaw/conductor/pkg/models"
)

// Config controls cache capacity and expiration.
type Config struct {
	MaxEntries        int
	TTL               time.Duration
	SlidingExpiration bool
}

// DefaultConfig returns the default cache configuration: 1000 entries,
// 5 minute TTL, sliding expiration on.
func DefaultConfig() Config {
	return Config{MaxEntries: 1000, TTL: 5 * time.Minute, SlidingExpiration: true}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hitRate"`
}

type entry struct {
	key       string
	value     *models.TaskResult
	expiresAt time.Time
}

// Cache is a thread-safe TTL cache with LRU eviction. Expired entries are
// removed lazily on Get; Set evicts from the LRU end until the entry fits.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*list.Element
	lru     *list.List // front = MRU, back = LRU

	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache with the given configuration.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the cached result for key, or (nil, false) if absent or
// expired. On a hit with sliding expiration enabled the entry's lifetime
// is extended by the TTL and the entry moves to the MRU position.
func (c *Cache) Get(key string) (*models.TaskResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(el)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.hits++
	if c.cfg.SlidingExpiration {
		e.expiresAt = time.Now().Add(c.cfg.TTL)
	}
	c.lru.MoveToFront(el)
	return e.value, true
}

// Set stores a result, evicting least-recently-used entries as needed.
func (c *Cache) Set(key string, value *models.TaskResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = time.Now().Add(c.cfg.TTL)
		c.lru.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.cfg.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
		c.evictions++
	}

	el := c.lru.PushFront(&entry{key: key, value: value, expiresAt: time.Now().Add(c.cfg.TTL)})
	c.entries[key] = el
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		HitRate:   rate,
	}
}

// TaskKey derives a deterministic cache key for a task: the first 16 hex
// characters of the SHA-256 of "agent:task" (or just "task" when agent is
// empty).
func TaskKey(task, agent string) string {
	input := task
	if agent != "" {
		input = agent + ":" + task
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}
