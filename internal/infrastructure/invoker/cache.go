package invoker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultCacheTTL applies when neither the cache nor the request
	// carries an explicit TTL.
	DefaultCacheTTL = 5 * time.Minute

	defaultMaxEntries = 1000
)

type cacheEntry struct {
	outcome   Outcome
	expiresAt time.Time
}

// ResultCache memoizes successful tool outcomes. Expired entries drop on
// read; a write that pushes the cache past its entry budget sweeps all
// expired entries.
type ResultCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// NewResultCache builds a cache. ttl <= 0 and maxEntries <= 0 select the
// defaults.
func NewResultCache(ttl time.Duration, maxEntries int) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &ResultCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// cacheKey hashes tool, requested server, and arguments. json.Marshal sorts
// map keys, so argument order never splits the key space.
func cacheKey(tool, server string, args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte(err.Error())
	}
	sum := sha256.Sum256([]byte(tool + "\x00" + server + "\x00" + string(data)))
	return hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached outcome for the call, marking it as served from
// cache. Expired entries are dropped on the spot.
func (c *ResultCache) Get(tool, server string, args map[string]interface{}) (Outcome, bool) {
	key := cacheKey(tool, server, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return Outcome{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		c.misses.Add(1)
		return Outcome{}, false
	}
	c.hits.Add(1)
	out := entry.outcome
	out.FromCache = true
	return out, true
}

// Put stores an outcome. ttl <= 0 falls back to the cache default.
func (c *ResultCache) Put(tool, server string, args map[string]interface{}, outcome Outcome, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := cacheKey(tool, server, args)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{outcome: outcome, expiresAt: time.Now().Add(ttl)}
	if len(c.entries) > c.maxEntries {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
}

// Stats returns current cache counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return CacheStats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Purge drops every entry.
func (c *ResultCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
