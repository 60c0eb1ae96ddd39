package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/chirino/chat-state-service/internal/config"
	"github.com/chirino/chat-state-service/internal/envelope"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
	"github.com/chirino/chat-state-service/internal/service"

	// Import plugins to trigger init() registration.
	_ "github.com/chirino/chat-state-service/internal/plugin/cache/memory"
	_ "github.com/chirino/chat-state-service/internal/plugin/cache/noop"
	_ "github.com/chirino/chat-state-service/internal/plugin/cache/redis"
	_ "github.com/chirino/chat-state-service/internal/plugin/store/mongo"
	_ "github.com/chirino/chat-state-service/internal/plugin/store/postgres"
)

// Command returns the scan sub-command: a one-shot integrity audit that
// prints the report as JSON and exits non-zero when violations are found.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Run a one-shot encryption domain integrity audit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("CHAT_STATE_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("CHAT_STATE_DB_KIND"),
				Usage:   "Store backend (postgres|mongo)",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "cache-kind",
				Sources: cli.EnvVars("CHAT_STATE_CACHE_KIND"),
				Usage:   "Cache backend (redis|memory|none)",
				Value:   "redis",
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Sources: cli.EnvVars("CHAT_STATE_REDIS_URL"),
				Usage:   "Redis connection URL",
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Sources: cli.EnvVars("CHAT_STATE_INTEGRITY_BATCH_SIZE"),
				Usage:   "Rows and keys fetched per scan iteration",
				Value:   1000,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.CacheType = cmd.String("cache-kind")
			cfg.RedisURL = cmd.String("redis-url")
			cfg.IntegrityBatchSize = int(cmd.Int("batch-size"))
			cfg.DatastoreMigrateAtStart = false
			ctx = config.WithContext(ctx, &cfg)

			cacheLoader, err := registrycache.Select(cfg.CacheType)
			if err != nil {
				return err
			}
			cache, err := cacheLoader(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize cache: %w", err)
			}
			defer func() { _ = cache.Close() }()

			storeLoader, err := registrystore.Select(cfg.DatastoreType)
			if err != nil {
				return err
			}
			store, err := storeLoader(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer func() { _ = store.Close(ctx) }()

			guard := envelope.NewGuard()
			scanner := service.NewIntegrityScanner(store, cache, nil, guard,
				cfg.IntegrityScanInterval, cfg.IntegrityBatchSize, cfg.TaskMaxRetries)

			log.Info("Running integrity scan...")
			report, err := scanner.RunPass(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.DomainViolations > 0 {
				return fmt.Errorf("%d domain violations found", report.DomainViolations)
			}
			return nil
		},
	}
}
