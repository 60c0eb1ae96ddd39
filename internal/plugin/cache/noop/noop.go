// Package noop registers the "none" cache plugin: a disabled cache for
// deployments that persist synchronously and skip the write-back tier.
package noop

import (
	"context"
	"time"

	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registrycache.ChatCache, error) {
			return noopCache{}, nil
		},
	})
}

type noopCache struct{}

func (noopCache) Available() bool { return false }

func (noopCache) Get(context.Context, string) (*registrycache.Entry, error) {
	return nil, nil
}

func (noopCache) Set(context.Context, string, []byte, int64, time.Duration) error {
	return nil
}

func (noopCache) BumpVersion(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (noopCache) Delete(context.Context, string) (bool, error) {
	return false, nil
}

func (noopCache) DeleteIfVersion(context.Context, string, int64) (bool, error) {
	return false, nil
}

func (noopCache) ScanKeys(context.Context, string, int, func(string) error) error {
	return nil
}

func (noopCache) Close() error { return nil }

var _ registrycache.ChatCache = noopCache{}
