package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
)

func TestSetGetDelete(t *testing.T) {
	c := New()
	ctx := context.Background()

	entry, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, entry)

	require.NoError(t, c.Set(ctx, "k", []byte("payload"), 3, time.Hour))
	entry, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), entry.Payload)
	require.EqualValues(t, 3, entry.Version)
	require.Greater(t, entry.TTLRemaining, 59*time.Minute)

	deleted, err := c.Delete(ctx, "k")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = c.Delete(ctx, "k")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestBumpVersionCreatesAtOne(t *testing.T) {
	c := New()
	ctx := context.Background()

	v, err := c.BumpVersion(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	v, err = c.BumpVersion(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 2, v)
}

func TestConcurrentBumpsLoseNothing(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("p"), 0, time.Hour))

	const workers = 16
	const bumpsEach = 100
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for range bumpsEach {
				_, err := c.BumpVersion(ctx, "k", time.Hour)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entry, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, workers*bumpsEach, entry.Version)
}

func TestDeleteIfVersion(t *testing.T) {
	c := New()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("p"), 5, time.Hour))

	// Version moved on since the task was dispatched: keep the entry.
	deleted, err := c.DeleteIfVersion(ctx, "k", 4)
	require.NoError(t, err)
	require.False(t, deleted)

	entry, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)

	deleted, err = c.DeleteIfVersion(ctx, "k", 5)
	require.NoError(t, err)
	require.True(t, deleted)

	// Deleting an absent key is a no-op, not an error.
	deleted, err = c.DeleteIfVersion(ctx, "k", 5)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestTTLExpiry(t *testing.T) {
	c := New()
	ctx := context.Background()
	now := time.Now()
	c.SetClock(func() time.Time { return now })

	require.NoError(t, c.Set(ctx, "k", []byte("p"), 1, time.Minute))

	now = now.Add(59 * time.Second)
	entry, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.LessOrEqual(t, entry.TTLRemaining, time.Second)

	now = now.Add(2 * time.Second)
	entry, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestScanKeysMatchesPattern(t *testing.T) {
	c := New()
	ctx := context.Background()

	chatA, chatB := uuid.New(), uuid.New()
	require.NoError(t, c.Set(ctx, registrycache.ListItemKey("alice", chatA), []byte("a"), 1, time.Hour))
	require.NoError(t, c.Set(ctx, registrycache.ListItemKey("bob", chatB), []byte("b"), 1, time.Hour))
	require.NoError(t, c.Set(ctx, registrycache.SyncMessagesKey(chatA), []byte("m"), 1, time.Hour))
	require.NoError(t, c.Set(ctx, registrycache.AIMessagesKey(chatA), []byte("ai"), 1, time.Hour))

	var listKeys, syncKeys []string
	require.NoError(t, c.ScanKeys(ctx, registrycache.ListItemPattern, 10, func(key string) error {
		listKeys = append(listKeys, key)
		return nil
	}))
	require.NoError(t, c.ScanKeys(ctx, registrycache.SyncMessagesPattern, 10, func(key string) error {
		syncKeys = append(syncKeys, key)
		return nil
	}))

	require.Len(t, listKeys, 2)
	require.Equal(t, []string{registrycache.SyncMessagesKey(chatA)}, syncKeys)
}
