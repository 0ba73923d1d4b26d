// SPDX-License-Identifier: MIT

package cache

import (
	"sync"
	"time"

	"github.com/Alexi5000/videoforge/internal/metrics"
)

type queryEntry struct {
	value      any
	expiration time.Time
}

// QueryCache is the L3 tier: an in-process map of query key to result rows
// with an explicit expiration per entry. Expired entries are removed lazily
// on Get.
type QueryCache struct {
	mu      sync.Mutex
	entries map[string]queryEntry
	stats   Stats
}

// NewQueryCache creates an empty L3 tier.
func NewQueryCache() *QueryCache {
	return &QueryCache{entries: make(map[string]queryEntry)}
}

// Get returns the cached rows for key, dropping the entry if expired.
func (c *QueryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		metrics.IncCacheOp("l3", "miss")
		return nil, false
	}
	if time.Now().After(ent.expiration) {
		delete(c.entries, key)
		c.stats.Evictions++
		c.stats.Misses++
		metrics.IncCacheOp("l3", "miss")
		return nil, false
	}
	c.stats.Hits++
	metrics.IncCacheOp("l3", "hit")
	return ent.value, true
}

// Set stores rows under key until the TTL elapses.
func (c *QueryCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = queryEntry{value: value, expiration: time.Now().Add(ttl)}
	c.stats.Sets++
	metrics.IncCacheOp("l3", "set")
}

// Delete removes a single key.
func (c *QueryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePattern removes every key matching the segment pattern.
func (c *QueryCache) DeletePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if MatchPattern(pattern, key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]queryEntry)
}

// Stats returns a snapshot of the counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.CurrentSize = len(c.entries)
	return st
}
