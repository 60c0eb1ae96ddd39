// Package memory registers the "memory" cache plugin: an in-process
// implementation with the same versioning and TTL semantics as the redis
// plugin. Intended for tests and single-node development; it does not share
// state across processes.
package memory

import (
	"context"
	"path"
	"sync"
	"time"

	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrycache.ChatCache, error) {
			return New(), nil
		},
	})
}

type entry struct {
	payload   []byte
	version   int64
	expiresAt time.Time
}

// Cache is an in-process ChatCache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New returns an empty in-process cache.
func New() *Cache {
	return &Cache{entries: map[string]*entry{}, now: time.Now}
}

// SetClock overrides the cache's clock. Test hook for TTL behavior.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Cache) Available() bool { return true }

// live returns the entry for key if present and unexpired, pruning it otherwise.
// Caller must hold c.mu.
func (c *Cache) live(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return e
}

func (c *Cache) Get(_ context.Context, key string) (*registrycache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil {
		return nil, nil
	}
	var ttl time.Duration
	if !e.expiresAt.IsZero() {
		ttl = e.expiresAt.Sub(c.now())
	}
	payload := make([]byte, len(e.payload))
	copy(payload, e.payload)
	return &registrycache.Entry{Payload: payload, Version: e.version, TTLRemaining: ttl}, nil
}

func (c *Cache) Set(_ context.Context, key string, payload []byte, version int64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	e := &entry{payload: buf, version: version}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *Cache) BumpVersion(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil {
		e = &entry{}
		c.entries[key] = e
	}
	e.version++
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e.version, nil
}

func (c *Cache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *Cache) DeleteIfVersion(_ context.Context, key string, version int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil || e.version != version {
		return false, nil
	}
	delete(c.entries, key)
	return true, nil
}

func (c *Cache) ScanKeys(_ context.Context, pattern string, batchSize int, fn func(key string) error) error {
	c.mu.Lock()
	var keys []string
	for key := range c.entries {
		if ok, _ := path.Match(pattern, key); ok && c.live(key) != nil {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	for _, key := range keys {
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Close() error { return nil }

var _ registrycache.ChatCache = (*Cache)(nil)
