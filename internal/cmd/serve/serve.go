package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/chirino/chat-state-service/internal/config"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registrykeys "github.com/chirino/chat-state-service/internal/registry/keys"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/chat-state-service/internal/plugin/cache/memory"
	_ "github.com/chirino/chat-state-service/internal/plugin/cache/noop"
	_ "github.com/chirino/chat-state-service/internal/plugin/cache/redis"
	_ "github.com/chirino/chat-state-service/internal/plugin/keys/local"
	_ "github.com/chirino/chat-state-service/internal/plugin/keys/vault"
	_ "github.com/chirino/chat-state-service/internal/plugin/route/chats"
	_ "github.com/chirino/chat-state-service/internal/plugin/route/diagnostics"
	_ "github.com/chirino/chat-state-service/internal/plugin/route/system"
	_ "github.com/chirino/chat-state-service/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-state-service/internal/plugin/store/postgres"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat state service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_STATE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_STATE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_STATE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_STATE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_STATE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_STATE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_STATE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations at startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_STATE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_STATE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_STATE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_STATE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_STATE_CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "TTL applied to cache entries on write",
		},

		// ── Reconciler ────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "reconcile-interval",
			Category:    "Reconciler:",
			Sources:     cli.EnvVars("CHAT_STATE_RECONCILE_INTERVAL"),
			Destination: &cfg.ReconcileInterval,
			Value:       cfg.ReconcileInterval,
			Usage:       "How often the reconciler scans the cache; must be shorter than --cache-ttl",
		},
		&cli.DurationFlag{
			Name:        "ttl-warning-window",
			Category:    "Reconciler:",
			Sources:     cli.EnvVars("CHAT_STATE_TTL_WARNING_WINDOW"),
			Destination: &cfg.TTLWarningWindow,
			Value:       cfg.TTLWarningWindow,
			Usage:       "Remaining-TTL threshold below which a scan pass considers an entry",
		},
		&cli.IntFlag{
			Name:        "reconcile-batch-size",
			Category:    "Reconciler:",
			Sources:     cli.EnvVars("CHAT_STATE_RECONCILE_BATCH_SIZE"),
			Destination: &cfg.ReconcileBatchSize,
			Value:       cfg.ReconcileBatchSize,
			Usage:       "Cache keys fetched per scan iteration",
		},

		// ── Task Runner ───────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "task-poll-interval",
			Category:    "Task Runner:",
			Sources:     cli.EnvVars("CHAT_STATE_TASK_POLL_INTERVAL"),
			Destination: &cfg.TaskPollInterval,
			Value:       cfg.TaskPollInterval,
			Usage:       "How often the task runner polls for ready tasks",
		},
		&cli.DurationFlag{
			Name:        "task-retry-delay",
			Category:    "Task Runner:",
			Sources:     cli.EnvVars("CHAT_STATE_TASK_RETRY_DELAY"),
			Destination: &cfg.TaskRetryDelay,
			Value:       cfg.TaskRetryDelay,
			Usage:       "Delay before a failed task becomes ready again",
		},
		&cli.IntFlag{
			Name:        "task-max-retries",
			Category:    "Task Runner:",
			Sources:     cli.EnvVars("CHAT_STATE_TASK_MAX_RETRIES"),
			Destination: &cfg.TaskMaxRetries,
			Value:       cfg.TaskMaxRetries,
			Usage:       "Attempts before a task is parked as dead",
		},
		&cli.IntFlag{
			Name:        "task-batch-size",
			Category:    "Task Runner:",
			Sources:     cli.EnvVars("CHAT_STATE_TASK_BATCH_SIZE"),
			Destination: &cfg.TaskBatchSize,
			Value:       cfg.TaskBatchSize,
			Usage:       "Tasks claimed per poll",
		},

		// ── Logout Flush ──────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "logout-flush-timeout",
			Category:    "Logout Flush:",
			Sources:     cli.EnvVars("CHAT_STATE_LOGOUT_FLUSH_TIMEOUT"),
			Destination: &cfg.LogoutFlushTimeout,
			Value:       cfg.LogoutFlushTimeout,
			Usage:       "Deadline for the synchronous draft flush at logout",
		},

		// ── Integrity Scan ────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "integrity-scan-interval",
			Category:    "Integrity Scan:",
			Sources:     cli.EnvVars("CHAT_STATE_INTEGRITY_SCAN_INTERVAL"),
			Destination: &cfg.IntegrityScanInterval,
			Value:       cfg.IntegrityScanInterval,
			Usage:       "How often the background integrity audit runs",
		},
		&cli.IntFlag{
			Name:        "integrity-batch-size",
			Category:    "Integrity Scan:",
			Sources:     cli.EnvVars("CHAT_STATE_INTEGRITY_BATCH_SIZE"),
			Destination: &cfg.IntegrityBatchSize,
			Value:       cfg.IntegrityBatchSize,
			Usage:       "Rows and keys fetched per integrity scan iteration",
		},

		// ── Encryption ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "server-key-provider",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("CHAT_STATE_SERVER_KEY_PROVIDER"),
			Destination: &cfg.ServerKeyProvider,
			Value:       cfg.ServerKeyProvider,
			Usage:       "Server-domain envelope key provider (" + strings.Join(registrykeys.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "user-key-provider",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("CHAT_STATE_USER_KEY_PROVIDER"),
			Destination: &cfg.UserKeyProvider,
			Value:       cfg.UserKeyProvider,
			Usage:       "User-domain envelope key provider",
		},
		&cli.StringFlag{
			Name:        "vault-transit-mount",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("CHAT_STATE_VAULT_TRANSIT_MOUNT"),
			Destination: &cfg.VaultTransitMount,
			Value:       cfg.VaultTransitMount,
			Usage:       "Vault transit secrets engine mount path",
		},
		&cli.StringFlag{
			Name:        "local-key-seed",
			Category:    "Encryption:",
			Sources:     cli.EnvVars("CHAT_STATE_LOCAL_KEY_SEED"),
			Destination: &cfg.LocalKeySeed,
			Usage:       "Hex-encoded master seed for the local key provider (32+ bytes)",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
