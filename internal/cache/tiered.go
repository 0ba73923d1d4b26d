// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Tiered looks up L1 -> L2 -> L3 in order and promotes hits back up the
// chain. Writes go through every enabled tier; the L2 tier is skipped
// transparently when not configured.
type Tiered struct {
	l1     *LRU
	l2     *Redis // nil when disabled
	l3     *QueryCache
	ttl    time.Duration
	logger zerolog.Logger
}

// Config holds tiered cache construction options.
type Config struct {
	L1Capacity int
	DefaultTTL time.Duration
}

// NewTiered builds the tier chain. l2 may be nil.
func NewTiered(cfg Config, l2 *Redis, logger zerolog.Logger) *Tiered {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tiered{
		l1:     NewLRU(cfg.L1Capacity),
		l2:     l2,
		l3:     NewQueryCache(),
		ttl:    ttl,
		logger: logger,
	}
}

// Get probes the tiers in order. An L2 hit repopulates L1; an L3 hit
// repopulates L2 and L1.
func (t *Tiered) Get(ctx context.Context, key string) (any, bool) {
	if v, ok := t.l1.Get(key); ok {
		return v, true
	}
	if t.l2 != nil {
		if v, ok := t.l2.Get(ctx, key); ok {
			t.l1.Set(key, v, t.ttl)
			return v, true
		}
	}
	if v, ok := t.l3.Get(key); ok {
		if t.l2 != nil {
			t.l2.Set(ctx, key, v, t.ttl)
		}
		t.l1.Set(key, v, t.ttl)
		return v, true
	}
	return nil, false
}

// Set writes the value through every enabled tier. ttl <= 0 uses the
// configured default.
func (t *Tiered) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.ttl
	}
	t.l1.Set(key, value, ttl)
	if t.l2 != nil {
		t.l2.Set(ctx, key, value, ttl)
	}
	t.l3.Set(key, value, ttl)
}

// InvalidatePattern removes matching keys from all tiers. The wildcard "*"
// matches at colon-segment granularity, e.g. "video:v1:*".
func (t *Tiered) InvalidatePattern(ctx context.Context, pattern string) int {
	removed := t.l1.DeletePattern(pattern)
	if t.l2 != nil {
		removed += t.l2.DeletePattern(ctx, pattern)
	}
	removed += t.l3.DeletePattern(pattern)
	t.logger.Debug().Str("pattern", pattern).Int("removed", removed).Msg("cache invalidated")
	return removed
}

// Clear drops every entry from every tier.
func (t *Tiered) Clear(ctx context.Context) {
	t.l1.Clear()
	if t.l2 != nil {
		t.l2.Clear(ctx)
	}
	t.l3.Clear()
}

// Stats returns per-tier counters keyed by tier name.
func (t *Tiered) Stats(ctx context.Context) map[string]Stats {
	out := map[string]Stats{
		"l1": t.l1.Stats(),
		"l3": t.l3.Stats(),
	}
	if t.l2 != nil {
		out["l2"] = t.l2.Stats(ctx)
	}
	return out
}

// HealthCheck pings the L2 tier when configured.
func (t *Tiered) HealthCheck(ctx context.Context) error {
	if t.l2 == nil {
		return nil
	}
	return t.l2.HealthCheck(ctx)
}
