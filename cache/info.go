package cache

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/greut/melon/domain"
)

// InfoCache memoizes ImageInfo by identifier in a bounded in-memory LRU.
// Populated on first decode, invalidated only on explicit purge.
type InfoCache struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// NewInfoCache bounds the cache to limit entries (1024 when limit <= 0).
func NewInfoCache(limit int) *InfoCache {
	if limit <= 0 {
		limit = 1024
	}
	return &InfoCache{lru: lru.New(limit)}
}

// Get returns a cached layout.
func (c *InfoCache) Get(identifier string) (domain.ImageInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(lru.Key(identifier))
	if !ok {
		return domain.ImageInfo{}, false
	}
	return v.(domain.ImageInfo), true
}

// Put stores a layout.
func (c *InfoCache) Put(info domain.ImageInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(lru.Key(info.Identifier), info)
}

// Purge drops one identifier, or everything when identifier is empty.
func (c *InfoCache) Purge(identifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if identifier == "" {
		c.lru.Clear()
		return
	}
	c.lru.Remove(lru.Key(identifier))
}
