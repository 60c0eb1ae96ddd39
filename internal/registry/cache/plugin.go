package cache

import (
	"context"
	"fmt"
	"time"
)

type chatCacheKey struct{}

// WithContext returns a new context carrying the given ChatCache.
func WithContext(ctx context.Context, c ChatCache) context.Context {
	return context.WithValue(ctx, chatCacheKey{}, c)
}

// FromContext retrieves the ChatCache from the context. Returns nil if none
// was set.
func FromContext(ctx context.Context) ChatCache {
	c, _ := ctx.Value(chatCacheKey{}).(ChatCache)
	return c
}

// Entry is a versioned cache entry. Version starts at 0 and is monotonically
// non-decreasing for the lifetime of the key; it is never reset except by
// explicit deletion of the key.
type Entry struct {
	Payload      []byte
	Version      int64
	TTLRemaining time.Duration
}

// ChatCache is the versioned TTL cache tier. Implementations must make
// BumpVersion atomic (native increment or CAS retry), and DeleteIfVersion
// must only delete when the stored version still equals the given one, so a
// writer racing with a delete never loses its write.
type ChatCache interface {
	Available() bool

	// Get returns the entry for key, or nil on a miss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set writes payload and version under key with the given TTL.
	Set(ctx context.Context, key string, payload []byte, version int64, ttl time.Duration) error

	// BumpVersion atomically increments the version under key and returns the
	// new value. Bumping a missing key creates it at version 1 with the given TTL.
	BumpVersion(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes key unconditionally. Returns true if the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteIfVersion removes key only while its stored version equals version.
	// Returns true if the key was deleted.
	DeleteIfVersion(ctx context.Context, key string, version int64) (bool, error)

	// ScanKeys streams keys matching the glob pattern in batches of at most
	// batchSize, invoking fn for each key. An error from fn stops the scan.
	ScanKeys(ctx context.Context, pattern string, batchSize int, fn func(key string) error) error

	// Close releases the underlying client.
	Close() error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ChatCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
