package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLengthPrefixed(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.NotEqual(t, Key("a"), Key("a", ""))
}

func TestGetAfterSet(t *testing.T) {
	c := New[[]float32](Config{MaxSize: 10, TTL: time.Minute})
	defer c.Close()

	vec := []float32{0.1, 0.2, 0.3}
	key := Key("hello", "model-a")
	c.Set(key, vec)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, vec, got)

	_, ok = c.Get(Key("hello", "model-b"))
	assert.False(t, ok)
}

func TestExpiredEntryBehavesAsMiss(t *testing.T) {
	c := New[string](Config{MaxSize: 10, TTL: time.Minute})
	defer c.Close()

	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	c.now = func() time.Time { return base.Add(time.Minute) }

	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be removed on read")
}

func TestBoundedSize(t *testing.T) {
	c := New[int](Config{MaxSize: 5, TTL: time.Minute})
	defer c.Close()

	for i := 0; i < 20; i++ {
		c.Set(Key(fmt.Sprintf("key-%d", i)), i)
	}
	assert.LessOrEqual(t, c.Len(), 5)
}

func TestEvictsLeastAccessed(t *testing.T) {
	c := New[string](Config{MaxSize: 2, TTL: time.Minute})
	defer c.Close()

	c.Set("hot", "a")
	c.Set("cold", "b")
	for i := 0; i < 3; i++ {
		_, ok := c.Get("hot")
		require.True(t, ok)
	}

	c.Set("new", "c")

	_, ok := c.Get("hot")
	assert.True(t, ok, "frequently accessed entry should survive")
	_, ok = c.Get("cold")
	assert.False(t, ok, "least accessed entry should be evicted")
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	c := New[string](Config{MaxSize: 10, TTL: 30 * time.Minute})
	defer c.Close()

	c.Set("k", "v")
	_, _ = c.Get("k")
	_, _ = c.Get("k")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 10, stats.MaxSize)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, 30*time.Minute, stats.TTL)
}

func TestPurge(t *testing.T) {
	c := New[string](Config{MaxSize: 10, TTL: time.Minute})
	defer c.Close()

	c.Set("k", "v")
	_, _ = c.Get("k")
	c.Purge()

	assert.Equal(t, 0, c.Len())
	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestSetReplacesExisting(t *testing.T) {
	c := New[string](Config{MaxSize: 2, TTL: time.Minute})
	defer c.Close()

	c.Set("k", "old")
	c.Set("k", "new")

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", got)
	assert.Equal(t, 1, c.Len())
}
