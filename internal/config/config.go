package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the chat state service.
type Config struct {
	// Durable store
	DBURL                   string
	DatastoreType           string // "postgres" or "mongo"
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// Cache
	RedisURL  string
	CacheType string // "redis", "memory", or "none"

	// Cache entry TTL applied on writes. The reconciler scan interval must be
	// strictly shorter than this floor; Validate enforces it.
	CacheTTL time.Duration

	// Reconciler
	ReconcileInterval time.Duration
	// Keys whose remaining TTL is above this threshold are skipped by a scan pass.
	TTLWarningWindow   time.Duration
	ReconcileBatchSize int

	// Task runner
	TaskPollInterval time.Duration
	TaskRetryDelay   time.Duration
	TaskMaxRetries   int
	TaskBatchSize    int

	// Logout flush
	LogoutFlushTimeout time.Duration

	// Integrity scan
	IntegrityScanInterval time.Duration
	IntegrityBatchSize    int

	// Envelope keys
	ServerKeyProvider string // "vault" or "local-server"
	UserKeyProvider   string // "local"
	VaultTransitMount string
	// LocalKeySeed is the hex-encoded master secret the local provider derives
	// per-owner and per-chat keys from.
	LocalKeySeed string

	// Server
	Listener            ListenerConfig
	ManagementAccessLog bool

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		CacheType:               "redis",
		CacheTTL:                2 * time.Hour,
		ReconcileInterval:       15 * time.Minute,
		TTLWarningWindow:        30 * time.Minute,
		ReconcileBatchSize:      500,
		TaskPollInterval:        time.Minute,
		TaskRetryDelay:          10 * time.Minute,
		TaskMaxRetries:          10,
		TaskBatchSize:           100,
		LogoutFlushTimeout:      5 * time.Second,
		IntegrityScanInterval:   time.Hour,
		IntegrityBatchSize:      1000,
		ServerKeyProvider:       "vault",
		UserKeyProvider:         "local",
		VaultTransitMount:       "transit",
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DrainTimeout: 30,
	}
}
