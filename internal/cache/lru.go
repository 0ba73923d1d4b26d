// SPDX-License-Identifier: MIT

// Package cache provides the three-tier read cache: an in-process LRU (L1),
// an optional Redis tier (L2) and a query-result cache (L3), looked up in
// order with write-through promotion on hit.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/Alexi5000/videoforge/internal/metrics"
)

// Stats holds per-tier cache performance counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Sets        int64 `json:"sets"`
	Evictions   int64 `json:"evictions"`
	CurrentSize int   `json:"current_size"`
}

type lruEntry struct {
	key        string
	value      any
	expiration time.Time
}

// LRU is the bounded, thread-safe L1 tier. Get and Set are O(1); exceeding
// capacity evicts the least-recently-used entry.
type LRU struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	stats    Stats
}

// NewLRU creates an L1 cache; capacity <= 0 falls back to 100 entries.
func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 100
	}
	return &LRU{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the value for key, promoting it to most-recently-used.
func (c *LRU) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		metrics.IncCacheOp("l1", "miss")
		return nil, false
	}
	ent := el.Value.(*lruEntry)
	if !ent.expiration.IsZero() && time.Now().After(ent.expiration) {
		c.removeElement(el)
		c.stats.Misses++
		metrics.IncCacheOp("l1", "miss")
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.stats.Hits++
	metrics.IncCacheOp("l1", "hit")
	return ent.value, true
}

// Set stores a value, evicting the LRU entry when at capacity.
func (c *LRU) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*lruEntry)
		ent.value = value
		ent.expiration = exp
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&lruEntry{key: key, value: value, expiration: exp})
		c.items[key] = el
		if c.ll.Len() > c.capacity {
			if back := c.ll.Back(); back != nil {
				c.removeElement(back)
				c.stats.Evictions++
			}
		}
	}
	c.stats.Sets++
	metrics.IncCacheOp("l1", "set")
}

// Delete removes a single key.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// DeletePattern removes every key matching the segment pattern.
func (c *LRU) DeletePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, el := range c.items {
		if MatchPattern(pattern, key) {
			c.removeElement(el)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// Stats returns a snapshot of the counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.CurrentSize = c.ll.Len()
	return st
}

// caller holds lock
func (c *LRU) removeElement(el *list.Element) {
	ent := el.Value.(*lruEntry)
	c.ll.Remove(el)
	delete(c.items, ent.key)
}
