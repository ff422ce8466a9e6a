package httpapi

import (
	"sync"
	"time"

	"github.com/fieldpress/contentsync/internal/contentsync"
)

// recordCache is the short-TTL read-through cache for public reads. It is
// best effort and never authoritative: a miss or an expired entry is the
// normal path, not an error.
type recordCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	record    contentsync.ContentRecord
	expiresAt time.Time
}

func newRecordCache(ttl time.Duration) *recordCache {
	if ttl <= 0 {
		return nil
	}
	return &recordCache{ttl: ttl, entries: map[string]cacheEntry{}}
}

func (c *recordCache) get(key string, now time.Time) (contentsync.ContentRecord, bool) {
	if c == nil {
		return contentsync.ContentRecord{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return contentsync.ContentRecord{}, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		return contentsync.ContentRecord{}, false
	}
	return entry.record, true
}

func (c *recordCache) set(key string, record contentsync.ContentRecord, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{record: record, expiresAt: now.Add(c.ttl)}
}
