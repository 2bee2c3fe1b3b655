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

package cache

import (
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := New(time.Minute, true)

	c.Put("k", "v")
	v, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if v != "v" {
		t.Errorf("expected v, got %v", v)
	}
}

func TestGetMiss(t *testing.T) {
	c := New(time.Minute, true)
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestExpiry(t *testing.T) {
	c := New(10*time.Millisecond, true)
	c.Put("k", 42)

	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after TTL elapsed")
	}

	stats := c.GetStats()
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestDisabledCache(t *testing.T) {
	c := New(time.Minute, false)
	c.Put("k", "v")
	if _, ok := c.Get("k"); ok {
		t.Error("disabled cache must miss on every get")
	}
	if c.Size() != 0 {
		t.Errorf("disabled cache must drop puts, size=%d", c.Size())
	}
}

func TestNilCache(t *testing.T) {
	var c *Cache

	c.Put("k", "v")
	if _, ok := c.Get("k"); ok {
		t.Error("nil cache must miss")
	}
	c.Invalidate("")
	if c.Size() != 0 || c.Cleanup() != 0 || c.Enabled() {
		t.Error("nil cache methods must be no-ops")
	}
}

func TestInvalidateKey(t *testing.T) {
	c := New(time.Minute, true)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be gone")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to survive")
	}
}

func TestInvalidateAll(t *testing.T) {
	c := New(time.Minute, true)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Invalidate("")
	if c.Size() != 0 {
		t.Errorf("expected empty cache, size=%d", c.Size())
	}
	if c.GetStats().Evictions != 2 {
		t.Errorf("expected 2 evictions, got %d", c.GetStats().Evictions)
	}
}

func TestSizeExcludesExpired(t *testing.T) {
	c := New(10*time.Millisecond, true)
	c.Put("k", "v")

	time.Sleep(20 * time.Millisecond)
	// Still physically present, logically absent.
	if c.Size() != 0 {
		t.Errorf("expected size 0 for expired entry, got %d", c.Size())
	}
}

func TestCleanup(t *testing.T) {
	c := New(10*time.Millisecond, true)
	c.Put("old", 1)
	time.Sleep(20 * time.Millisecond)
	c.Put("fresh", 2)

	if n := c.Cleanup(); n != 1 {
		t.Errorf("expected 1 evicted, got %d", n)
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("expected fresh entry to survive cleanup")
	}
}

func TestDefaultTTL(t *testing.T) {
	c := New(0, true)
	if c.TTL() != DefaultTTL {
		t.Errorf("expected default TTL %v, got %v", DefaultTTL, c.TTL())
	}
}

func TestStatsCounters(t *testing.T) {
	c := New(time.Minute, true)
	c.Put("k", "v")

	c.Get("k")
	c.Get("k")
	c.Get("absent")

	stats := c.GetStats()
	if stats.Hits != 2 {
		t.Errorf("expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}
