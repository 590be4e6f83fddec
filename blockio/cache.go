// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blockio

import (
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/stats"
)

type cacheKey struct {
	file       uint64
	col, block int
}

type cacheEntry struct {
	values []flextype.Value
	cost   int
}

// A blockCache is a byte-bounded LRU cache of decoded blocks.
type blockCache struct {
	mu       sync.Mutex
	lru      *lru.Cache
	cost     int
	maxCost  int
	hit      *stats.Int
	miss     *stats.Int
	resident *stats.Int
}

func newBlockCache(maxCost int, m *stats.Map) *blockCache {
	c := &blockCache{
		lru:      lru.New(0),
		maxCost:  maxCost,
		hit:      m.Int("cache.hit"),
		miss:     m.Int("cache.miss"),
		resident: m.Int("cache.bytes"),
	}
	c.lru.OnEvicted = func(_ lru.Key, v interface{}) {
		c.cost -= v.(cacheEntry).cost
	}
	return c
}

// Get returns the cached values for key, if any. The returned slice
// must not be modified.
func (c *blockCache) Get(key cacheKey) ([]flextype.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		c.miss.Add(1)
		return nil, false
	}
	c.hit.Add(1)
	return v.(cacheEntry).values, true
}

// Add inserts a decoded block into the cache, evicting least recently
// used blocks to stay within the cache's budget. Blocks larger than
// the budget are not cached.
func (c *blockCache) Add(key cacheKey, values []flextype.Value, cost int) {
	if cost > c.maxCost {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(key); ok {
		return
	}
	c.lru.Add(key, cacheEntry{values, cost})
	c.cost += cost
	for c.cost > c.maxCost && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.resident.Set(int64(c.cost))
}

// Purge drops every block of the given file from the cache.
func (c *blockCache) Purge(file uint64, index [][]BlockInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for col, blocks := range index {
		for i := range blocks {
			c.lru.Remove(cacheKey{file, col, i})
		}
	}
	c.resident.Set(int64(c.cost))
}
