package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chirino/chat-state-service/internal/envelope"
	"github.com/chirino/chat-state-service/internal/model"
	"github.com/chirino/chat-state-service/internal/plugin/cache/memory"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
)

const testMaxRetries = 3

type env struct {
	store      *fakeStore
	cache      *memory.Cache
	guard      *envelope.Guard
	serverKeys *fakeKeyProvider
	lifecycle  *ChatLifecycleManager
	reconciler *PersistenceReconciler
	runner     *PersistenceTaskRunner
	flusher    *LogoutFlusher
	scanner    *IntegrityScanner
}

func newEnv() *env {
	e := &env{
		store:      newFakeStore(),
		cache:      memory.New(),
		guard:      envelope.NewGuard(),
		serverKeys: &fakeKeyProvider{domain: envelope.DomainServer},
	}
	e.lifecycle = NewChatLifecycleManager(e.store, e.serverKeys)
	e.reconciler = NewPersistenceReconciler(e.cache, e.store, e.lifecycle, e.guard,
		time.Minute, 5*time.Minute, 100)
	e.runner = NewPersistenceTaskRunner(e.store, e.cache, e.lifecycle, e.guard,
		time.Minute, time.Minute, testMaxRetries, 100)
	e.flusher = NewLogoutFlusher(e.cache, e.store, e.lifecycle, e.guard, 2*time.Second)
	e.scanner = NewIntegrityScanner(e.store, e.cache, e.reconciler, e.guard,
		time.Hour, 100, testMaxRetries)
	return e
}

func sealUser(t *testing.T, plaintext string) []byte {
	t.Helper()
	b, err := envelope.Seal(envelope.DomainUser, nil, []byte(plaintext))
	require.NoError(t, err)
	return b
}

func sealServer(t *testing.T, plaintext string) []byte {
	t.Helper()
	b, err := envelope.Seal(envelope.DomainServer, nil, []byte(plaintext))
	require.NoError(t, err)
	return b
}

// setListItem writes a list_item_data cache entry at the given version and TTL.
func (e *env) setListItem(t *testing.T, ownerID string, chatID uuid.UUID, bundle model.ListItemBundle, version int64, ttl time.Duration) string {
	t.Helper()
	payload, err := json.Marshal(bundle)
	require.NoError(t, err)
	key := registrycache.ListItemKey(ownerID, chatID)
	require.NoError(t, e.cache.Set(context.Background(), key, payload, version, ttl))
	return key
}

// setSyncMessages writes a chat:*:messages:sync entry at the given version and TTL.
func (e *env) setSyncMessages(t *testing.T, chatID uuid.UUID, msgs []model.PendingMessage, version int64, ttl time.Duration) string {
	t.Helper()
	payload, err := json.Marshal(model.PendingMessages{ChatID: chatID, OwnerID: "alice", Messages: msgs})
	require.NoError(t, err)
	key := registrycache.SyncMessagesKey(chatID)
	require.NoError(t, e.cache.Set(context.Background(), key, payload, version, ttl))
	return key
}

func (e *env) cacheEntry(t *testing.T, key string) *registrycache.Entry {
	t.Helper()
	entry, err := e.cache.Get(context.Background(), key)
	require.NoError(t, err)
	return entry
}

// seedChat inserts a durable chat record directly.
func (e *env) seedChat(t *testing.T, chatID uuid.UUID, ownerID string, titleVersion, messagesVersion int64) {
	t.Helper()
	err := e.store.CreateChat(context.Background(), &model.ChatRecord{
		ID:                 chatID,
		OwnerID:            ownerID,
		TitleVersion:       titleVersion,
		MessagesVersion:    messagesVersion,
		ServerKeyReference: "server/" + chatID.String(),
		LastEditedAt:       time.Now(),
		CreatedAt:          time.Now(),
	})
	require.NoError(t, err)
}

// drainTasks runs the task runner until the queue is empty, bounded to avoid
// spinning forever on a bug.
func (e *env) drainTasks(t *testing.T) {
	t.Helper()
	for range 10 {
		if e.store.taskCount() == 0 {
			return
		}
		e.runner.ProcessBatch(context.Background())
	}
	require.Zero(t, e.store.taskCount(), "task queue did not drain")
}
