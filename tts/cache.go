package tts

import (
	"sync"
	"time"

	"callpipe/core"
)

// cache is a short-lived content-addressed store for synthesized clips,
// shared across all concurrent calls.
type cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	clip      core.AudioClip
	expiresAt time.Time
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

func (c *cache) get(key string) (core.AudioClip, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return core.AudioClip{}, false
	}
	return entry.clip, true
}

func (c *cache) put(key string, clip core.AudioClip) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{clip: clip, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// sweep evicts expired entries and returns how many were removed.
func (c *cache) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *cache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
