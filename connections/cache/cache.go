// Copyright 2025 Datalink
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

// Package cache implements the per-connection response cache.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is the entry lifetime used when none is configured.
const DefaultTTL = 5 * time.Minute

type entry struct {
	value      interface{}
	insertedAt time.Time
}

// Cache is a per-connection key/value store with a fixed TTL.
// An entry older than the TTL is logically absent; physical eviction
// happens lazily on access or through Cleanup.
type Cache struct {
	entries map[string]entry
	ttl     time.Duration
	enabled bool
	stats   Stats
	mu      sync.Mutex
}

// Stats tracks cache performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// New creates a cache with the given TTL. A non-positive TTL falls back
// to DefaultTTL. A disabled cache misses on every Get and drops every Put.
func New(ttl time.Duration, enabled bool) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		enabled: enabled,
	}
}

// Get returns the value stored under key if it is still live.
func (c *Cache) Get(key string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.stats.Misses++
		return nil, false
	}

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	if time.Since(e.insertedAt) >= c.ttl {
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Evictions++
		return nil, false
	}

	c.stats.Hits++
	return e.value, true
}

// Put stores value under key, replacing any previous entry.
func (c *Cache) Put(key string, value interface{}) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	c.entries[key] = entry{value: value, insertedAt: time.Now()}
}

// Invalidate removes the entry under key. An empty key clears the
// whole cache.
func (c *Cache) Invalidate(key string) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key == "" {
		evicted := len(c.entries)
		c.entries = make(map[string]entry)
		c.stats.Evictions += int64(evicted)
		return
	}

	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.stats.Evictions++
	}
}

// Size returns the number of live entries. Expired entries are not
// counted even if they have not been physically evicted yet.
func (c *Cache) Size() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if time.Since(e.insertedAt) < c.ttl {
			n++
		}
	}
	return n
}

// Cleanup physically removes expired entries and returns the count.
func (c *Cache) Cleanup() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, e := range c.entries {
		if time.Since(e.insertedAt) >= c.ttl {
			delete(c.entries, key)
			evicted++
		}
	}
	c.stats.Evictions += int64(evicted)
	return evicted
}

// Enabled reports whether the cache accepts and serves entries.
func (c *Cache) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// GetStats returns a snapshot of the cache counters.
func (c *Cache) GetStats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
