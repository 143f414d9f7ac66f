package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultMemoryTTL = 5 * time.Minute

// memoryCache keeps spec documents in process. Expired entries are dropped
// lazily by Lookup and swept in bulk by Size, which the health endpoint polls.
type memoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	specs map[string]Entry
}

// NewMemory returns a process-local SpecCache. Entries stored without an
// expiry live for ttl.
func NewMemory(ttl time.Duration) SpecCache {
	return newMemory(ttl, time.Now)
}

func newMemory(ttl time.Duration, now func() time.Time) *memoryCache {
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	return &memoryCache{ttl: ttl, now: now, specs: make(map[string]Entry)}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	now := c.now()
	c.mu.RLock()
	entry, ok := c.specs[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if entry.expired(now) {
		c.mu.Lock()
		// Another goroutine may have stored a fresh copy since the read lock
		// was released.
		if current, still := c.specs[key]; still && current.expired(now) {
			delete(c.specs, key)
		}
		c.mu.Unlock()
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.now().UTC()
	}
	if !entry.ExpiresAt.After(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(c.ttl)
	}
	entry = cloneEntry(entry)

	c.mu.Lock()
	c.specs[key] = entry
	c.mu.Unlock()
	return nil
}

// DeletePrefix drops every spec whose key starts with prefix. An empty prefix
// is a no-op rather than a full flush.
func (c *memoryCache) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.specs {
		if strings.HasPrefix(key, prefix) {
			delete(c.specs, key)
		}
	}
	return nil
}

// Size reports live entries only, sweeping expired ones on the way.
func (c *memoryCache) Size(_ context.Context) (int64, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.specs {
		if entry.expired(now) {
			delete(c.specs, key)
		}
	}
	return int64(len(c.specs)), nil
}

func (c *memoryCache) Close(context.Context) error {
	c.mu.Lock()
	c.specs = make(map[string]Entry)
	c.mu.Unlock()
	return nil
}
