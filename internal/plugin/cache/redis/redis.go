// Package redis registers the "redis" cache plugin. Each cache key is a Redis
// hash with `payload` and `version` fields so the version counter shares the
// entry's TTL, version bumps are a single HINCRBY, and the conditional delete
// can check the version server-side.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chirino/chat-state-service/internal/config"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ChatCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_STATE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL creates a ChatCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.ChatCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptions(ctx, opts)
}

// LoadFromOptions creates a ChatCache from go-redis Options. This allows
// callers to customize options (e.g. Protocol for RESP2).
func LoadFromOptions(ctx context.Context, opts *goredis.Options) (registrycache.ChatCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	return &redisChatCache{client: client}, nil
}

type redisChatCache struct {
	client *goredis.Client
}

// deleteIfVersion deletes the hash only while its version field still equals
// ARGV[1]. Runs atomically server-side, so a concurrent BumpVersion either
// lands before the check (delete skipped) or after the delete (fresh entry).
var deleteIfVersion = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "version") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *redisChatCache) Available() bool {
	return true
}

func (c *redisChatCache) Get(ctx context.Context, key string) (*registrycache.Entry, error) {
	pipe := c.client.Pipeline()
	fields := pipe.HMGet(ctx, key, "payload", "version")
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, err
	}
	vals := fields.Val()
	if len(vals) != 2 || vals[0] == nil {
		return nil, nil // miss
	}
	payload, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("redis cache: unexpected payload type %T for %q", vals[0], key)
	}
	var version int64
	if raw, ok := vals[1].(string); ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis cache: invalid version for %q: %w", key, err)
		}
		version = v
	}
	return &registrycache.Entry{
		Payload:      []byte(payload),
		Version:      version,
		TTLRemaining: ttl.Val(),
	}, nil
}

func (c *redisChatCache) Set(ctx context.Context, key string, payload []byte, version int64, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, "payload", payload, "version", version)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *redisChatCache) BumpVersion(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "version", 1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *redisChatCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Del(ctx, key).Result()
	return n > 0, err
}

func (c *redisChatCache) DeleteIfVersion(ctx context.Context, key string, version int64) (bool, error) {
	n, err := deleteIfVersion.Run(ctx, c.client, []string{key}, strconv.FormatInt(version, 10)).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisChatCache) ScanKeys(ctx context.Context, pattern string, batchSize int, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, int64(batchSize)).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (c *redisChatCache) Close() error {
	return c.client.Close()
}

var _ registrycache.ChatCache = (*redisChatCache)(nil)
