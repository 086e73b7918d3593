package status

import (
	"sync"
	"time"
)

// DefaultCacheTTL is how long a status projection is served without
// re-polling the pool.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	proj    Projection
	expires time.Time
}

// cache is a process-local TTL map for status projections. Expired entries
// are swept opportunistically on writes, at most once per TTL period, so a
// long-lived process does not accumulate one entry per miner ever queried.
type cache struct {
	mu        sync.RWMutex
	entries   map[string]cacheEntry
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newCache(ttl time.Duration) *cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *cache) get(id string) (Projection, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return Projection{}, false
	}
	return entry.proj, true
}

func (c *cache) put(id string, proj Projection) {
	now := c.now()
	c.mu.Lock()
	if now.Sub(c.lastSweep) >= c.ttl {
		c.sweepLocked(now)
	}
	c.entries[id] = cacheEntry{proj: proj, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}

// sweep drops expired entries immediately.
func (c *cache) sweep() {
	now := c.now()
	c.mu.Lock()
	c.sweepLocked(now)
	c.mu.Unlock()
}

func (c *cache) sweepLocked(now time.Time) {
	for id, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, id)
		}
	}
	c.lastSweep = now
}
