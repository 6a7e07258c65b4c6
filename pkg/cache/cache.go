// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides a bounded in-memory cache with TTL expiry and
// approximate LRU eviction.
//
// It backs both the embedding cache (text+model → vector) and the
// retrieval cache (query parameters → ranked results). Entries are
// content-addressed: Key derives a SHA-256 digest over the caller's key
// parts, so equal inputs always map to the same entry.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// Key derives a content-addressed cache key from its parts.
//
// Parts are length-prefix separated so that ("ab", "c") and ("a", "bc")
// never collide.
func Key(parts ...string) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, p := range parts {
		n := len(p)
		for i := 0; i < 8; i++ {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// entry is a cached value with its expiry bookkeeping.
type entry[V any] struct {
	value      V
	insertedAt time.Time
	accesses   atomic.Int64
}

// Config configures a cache instance.
type Config struct {
	// MaxSize is the maximum number of resident entries (default: 1000).
	MaxSize int

	// TTL is the entry time-to-live (default: 60m). An entry older than
	// TTL is treated as absent even if still resident.
	TTL time.Duration

	// SweepInterval enables a background goroutine that removes expired
	// entries. Zero disables the sweep; expiry then happens lazily on
	// read, which is sufficient for correctness.
	SweepInterval time.Duration
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size    int           `json:"size"`
	MaxSize int           `json:"max_size"`
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	HitRate float64       `json:"hit_rate"`
	TTL     time.Duration `json:"ttl"`
}

// Cache is a bounded TTL cache with per-entry access counters.
//
// Eviction is approximate LRU: when full, the entry with the lowest
// access count is evicted (ties broken by map iteration order). All
// mutations are serialized by a single mutex; the critical section never
// spans an external call.
type Cache[V any] struct {
	config Config

	mu      sync.RWMutex
	entries map[string]*entry[V]

	hits   atomic.Int64
	misses atomic.Int64

	stop chan struct{}
	once sync.Once

	// now is overridable for TTL tests.
	now func() time.Time
}

// New creates a cache, filling unset config fields with defaults.
func New[V any](cfg Config) *Cache[V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	c := &Cache[V]{
		config:  cfg,
		entries: make(map[string]*entry[V]),
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop()
	}

	return c
}

// Get returns the cached value for key. An expired entry behaves as a
// miss and is removed.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	if c.expired(e) {
		c.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// replaced the entry with a fresh one.
		if cur, ok := c.entries[key]; ok && c.expired(cur) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return zero, false
	}

	e.accesses.Add(1)
	c.hits.Add(1)
	return e.value, true
}

// Set inserts or replaces the value for key, evicting the least-accessed
// entry if the cache is at capacity.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.config.MaxSize {
		c.evictLocked()
	}

	e := &entry[V]{
		value:      value,
		insertedAt: c.now(),
	}
	c.entries[key] = e
}

// Delete removes an entry if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of resident entries, including not-yet-swept
// expired ones.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge removes all entries and resets counters.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns hit/miss counters for the introspection surface.
func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Size:    size,
		MaxSize: c.config.MaxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
		TTL:     c.config.TTL,
	}
}

// Close stops the background sweep goroutine, if any.
func (c *Cache[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.now().Sub(e.insertedAt) >= c.config.TTL
}

// evictLocked removes the entry with the lowest access count. Expired
// entries are preferred victims regardless of their counters.
func (c *Cache[V]) evictLocked() {
	var victim string
	minAccesses := int64(-1)

	for key, e := range c.entries {
		if c.expired(e) {
			victim = key
			break
		}
		if a := e.accesses.Load(); minAccesses < 0 || a < minAccesses {
			minAccesses = a
			victim = key
		}
	}

	if victim != "" {
		delete(c.entries, victim)
	}
}

func (c *Cache[V]) sweepLoop() {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			for key, e := range c.entries {
				if c.expired(e) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
