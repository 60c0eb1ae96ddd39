package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chirino/chat-state-service/internal/model"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
)

func TestReconcilerPersistsStaleTitle(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()
	e.seedChat(t, chatID, "alice", 2, 0)

	title := sealUser(t, "renamed chat")
	key := e.setListItem(t, "alice", chatID, model.ListItemBundle{
		EncryptedTitle: title,
		LastEditedAt:   time.Now(),
	}, 3, 2*time.Minute) // inside the 5m warning window

	require.NoError(t, e.reconciler.RunPass(ctx))
	require.Len(t, e.store.tasksOfType(model.TaskPersistTitle), 1)
	require.EqualValues(t, 1, e.reconciler.StaleKeys())

	e.drainTasks(t)

	chat, err := e.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.EqualValues(t, 3, chat.TitleVersion)
	require.Equal(t, title, chat.EncryptedTitle)

	// The cache entry was removed only after the confirmed durable write.
	require.Nil(t, e.cacheEntry(t, key))
}

func TestReconcilerSkipsFreshEntries(t *testing.T) {
	e := newEnv()
	chatID := uuid.New()
	e.seedChat(t, chatID, "alice", 0, 0)

	e.setListItem(t, "alice", chatID, model.ListItemBundle{
		EncryptedTitle: sealUser(t, "title"),
		LastEditedAt:   time.Now(),
	}, 3, 2*time.Hour) // far from expiry

	require.NoError(t, e.reconciler.RunPass(context.Background()))
	require.Zero(t, e.store.taskCount())
}

func TestReconcilerEqualVersionsNoAction(t *testing.T) {
	e := newEnv()
	chatID := uuid.New()
	e.seedChat(t, chatID, "alice", 3, 0)

	key := e.setListItem(t, "alice", chatID, model.ListItemBundle{
		EncryptedTitle: sealUser(t, "title"),
		LastEditedAt:   time.Now(),
	}, 3, time.Minute)

	require.NoError(t, e.reconciler.RunPass(context.Background()))
	require.Zero(t, e.store.taskCount())
	require.Zero(t, e.reconciler.StaleKeys())
	// Nothing deletes the entry either; it just expires.
	require.NotNil(t, e.cacheEntry(t, key))
}

func TestReconcilerCreatesMissingChatForDraft(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()

	// A draft can exist before the chat was ever persisted.
	e.setListItem(t, "alice", chatID, model.ListItemBundle{
		EncryptedDraft: sealUser(t, "unsent draft"),
		LastEditedAt:   time.Now(),
	}, 1, time.Minute)

	require.NoError(t, e.reconciler.RunPass(ctx))

	chat, err := e.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, chat)
	require.Equal(t, "alice", chat.OwnerID)
	require.NotEmpty(t, chat.ServerKeyReference)
	require.Len(t, e.store.tasksOfType(model.TaskPersistDraft), 1)

	e.drainTasks(t)
	draft, err := e.store.GetDraft(ctx, chatID, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, draft.Version)
}

func TestReconcilerDispatchesPendingMessages(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()
	e.seedChat(t, chatID, "alice", 0, 2)

	msgs := []model.PendingMessage{
		{ID: uuid.New(), Role: model.RoleUser, EncryptedContent: sealUser(t, "hi"), CreatedAt: time.Now()},
		{ID: uuid.New(), Role: model.RoleAssistant, EncryptedContent: sealUser(t, "hello"), CreatedAt: time.Now()},
	}
	key := e.setSyncMessages(t, chatID, msgs, 4, time.Minute)

	require.NoError(t, e.reconciler.RunPass(ctx))
	require.Len(t, e.store.tasksOfType(model.TaskPersistMessage), 2)

	e.drainTasks(t)

	count, err := e.store.CountMessages(ctx, chatID)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	chat, err := e.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.EqualValues(t, 4, chat.MessagesVersion)
	require.Nil(t, e.cacheEntry(t, key))
}

func TestReconcilerPerKeyErrorIsolation(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	goodChat := uuid.New()
	e.seedChat(t, goodChat, "alice", 0, 0)

	// One unreadable payload must not block the rest of the pass.
	badKey := registrycache.ListItemKey("bob", uuid.New())
	require.NoError(t, e.cache.Set(ctx, badKey, []byte("{not json"), 1, time.Minute))
	e.setListItem(t, "alice", goodChat, model.ListItemBundle{
		EncryptedTitle: sealUser(t, "title"),
		LastEditedAt:   time.Now(),
	}, 1, time.Minute)

	require.NoError(t, e.reconciler.RunPass(ctx))
	require.Len(t, e.store.tasksOfType(model.TaskPersistTitle), 1)
}

func TestReconcilerRefusesServerDomainPayload(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()
	e.seedChat(t, chatID, "alice", 0, 0)

	// Server-domain ciphertext leaked into the sync tier: flag it, dispatch nothing.
	e.setListItem(t, "alice", chatID, model.ListItemBundle{
		EncryptedTitle: sealServer(t, "ai title"),
		LastEditedAt:   time.Now(),
	}, 1, time.Minute)

	require.NoError(t, e.reconciler.RunPass(ctx))
	require.Zero(t, e.store.taskCount())
	require.EqualValues(t, 1, e.guard.ViolationCount())
}

func TestReconcilerIgnoresAITierContent(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()
	e.seedChat(t, chatID, "alice", 0, 0)

	// AI working-copy entries are never persisted, no matter how stale.
	payload := sealServer(t, "working copy")
	require.NoError(t, e.cache.Set(ctx, registrycache.AIMessagesKey(chatID), payload, 9, time.Minute))

	require.NoError(t, e.reconciler.RunPass(ctx))
	require.Zero(t, e.store.taskCount())
}
