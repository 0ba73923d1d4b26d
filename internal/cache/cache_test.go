// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEviction(t *testing.T) {
	t.Parallel()

	c := NewLRU(2)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)

	// Touch "a" so "b" is the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3, 0)
	_, ok = c.Get("b")
	assert.False(t, ok, "least-recently-used entry should be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Evictions)
	assert.Equal(t, 2, st.CurrentSize)
}

func TestLRUExpiry(t *testing.T) {
	t.Parallel()

	c := NewLRU(10)
	c.Set("k", "v", 10*time.Millisecond)
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must miss")
}

func TestHashParamsStable(t *testing.T) {
	t.Parallel()

	a := HashParams(map[string]any{"x": 1.0, "y": map[string]any{"b": 2.0, "a": 1.0}})
	b := HashParams(map[string]any{"y": map[string]any{"a": 1.0, "b": 2.0}, "x": 1.0})
	assert.Equal(t, a, b, "logically equal params must hash identically")

	c := HashParams(map[string]any{"x": 2.0})
	assert.NotEqual(t, a, c)

	assert.Len(t, a, 24)
}

func TestMatchPattern(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"video:v1:*", "video:v1:caption:abc", true},
		{"video:v1:*", "video:v1:frames", true},
		{"video:v1:*", "video:v2:frames", false},
		{"video:*:frames", "video:v1:frames", true},
		{"video:*:frames", "video:v1:captions", false},
		{"video:v1", "video:v1", true},
		{"video:v1", "video:v1:frames", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchPattern(tc.pattern, tc.key), "pattern %q key %q", tc.pattern, tc.key)
	}
}

func TestQueryCache(t *testing.T) {
	t.Parallel()

	qc := NewQueryCache()
	qc.Set("q:1", "result", 10*time.Millisecond)
	v, ok := qc.Get("q:1")
	require.True(t, ok)
	assert.Equal(t, "result", v)

	time.Sleep(20 * time.Millisecond)
	_, ok = qc.Get("q:1")
	assert.False(t, ok)
}

func newTestTiered(t *testing.T) (*Tiered, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l2 := newRedisWithClient(client, zerolog.Nop())
	t.Cleanup(func() { _ = l2.Close() })
	return NewTiered(Config{L1Capacity: 16, DefaultTTL: time.Minute}, l2, zerolog.Nop()), l2
}

func TestTieredPromotion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tc, l2 := newTestTiered(t)

	// Seed only L2, then read through the tier chain.
	l2.Set(ctx, "video:v1:k", "from-l2", time.Minute)
	v, ok := tc.Get(ctx, "video:v1:k")
	require.True(t, ok)
	assert.Equal(t, "from-l2", v)

	// The hit must now be answered by L1.
	v, ok = tc.l1.Get("video:v1:k")
	require.True(t, ok)
	assert.Equal(t, "from-l2", v)
}

func TestTieredInvalidatePattern(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tc, _ := newTestTiered(t)

	tc.Set(ctx, "video:v1:frames:h1", "a", 0)
	tc.Set(ctx, "video:v1:captions:h2", "b", 0)
	tc.Set(ctx, "video:v2:frames:h3", "c", 0)

	removed := tc.InvalidatePattern(ctx, "video:v1:*")
	assert.Greater(t, removed, 0)

	// Every v1 key must miss all three tiers until repopulated.
	_, ok := tc.Get(ctx, "video:v1:frames:h1")
	assert.False(t, ok)
	_, ok = tc.Get(ctx, "video:v1:captions:h2")
	assert.False(t, ok)

	// Other videos are untouched.
	v, ok := tc.Get(ctx, "video:v2:frames:h3")
	require.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestTieredWithoutL2(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tc := NewTiered(Config{L1Capacity: 4, DefaultTTL: time.Minute}, nil, zerolog.Nop())
	tc.Set(ctx, "k", "v", 0)
	v, ok := tc.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	assert.NoError(t, tc.HealthCheck(ctx), "health passes with the L2 tier disabled")

	stats := tc.Stats(ctx)
	_, hasL2 := stats["l2"]
	assert.False(t, hasL2)
}

func TestRedisRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l2 := newRedisWithClient(client, zerolog.Nop())
	defer func() { _ = l2.Close() }()

	l2.Set(ctx, "k", map[string]any{"records": 3.0}, time.Minute)
	v, ok := l2.Get(ctx, "k")
	require.True(t, ok)
	m, ok := v.(map[string]any)
	require.True(t, ok, "values round-trip through JSON as maps")
	assert.Equal(t, 3.0, m["records"])

	_, ok = l2.Get(ctx, "absent")
	assert.False(t, ok)

	assert.NoError(t, l2.HealthCheck(ctx))
}
