package service

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chirino/chat-state-service/internal/model"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

func messageTaskBody(t *testing.T, chatID, messageID uuid.UUID, content []byte, targetVersion int64, cacheKey string) map[string]any {
	t.Helper()
	return map[string]any{
		"chatId":        chatID.String(),
		"messageId":     messageID.String(),
		"role":          "user",
		"content":       base64.StdEncoding.EncodeToString(content),
		"createdAt":     time.Now().Format(time.RFC3339Nano),
		"targetVersion": targetVersion,
		"cacheKey":      cacheKey,
		"cacheVersion":  targetVersion,
	}
}

func TestTaskReplayIsIdempotent(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID, messageID := uuid.New(), uuid.New()
	e.seedChat(t, chatID, "alice", 0, 0)

	body := messageTaskBody(t, chatID, messageID, sealUser(t, "hi"), 1, registrycache.SyncMessagesKey(chatID))

	// Redelivery after a crash between insert and version bump: both executions
	// must converge on one message row and the target version.
	require.NoError(t, e.runner.ExecuteTask(ctx, model.TaskPersistMessage, body))
	require.NoError(t, e.runner.ExecuteTask(ctx, model.TaskPersistMessage, body))

	count, err := e.store.CountMessages(ctx, chatID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	chat, err := e.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.EqualValues(t, 1, chat.MessagesVersion)
}

func TestVersionBumpRecoversAfterPartialExecution(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID, messageID := uuid.New(), uuid.New()
	e.seedChat(t, chatID, "alice", 0, 0)

	// Simulate the crash window: the message row exists but messages_version
	// was never advanced.
	_, err := e.store.InsertMessage(ctx, &model.Message{
		ID: messageID, ChatID: chatID, Role: model.RoleUser,
		EncryptedContent: sealUser(t, "hi"), CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	body := messageTaskBody(t, chatID, messageID, sealUser(t, "hi"), 3, registrycache.SyncMessagesKey(chatID))
	require.NoError(t, e.runner.ExecuteTask(ctx, model.TaskPersistMessage, body))

	chat, err := e.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.EqualValues(t, 3, chat.MessagesVersion)
}

func TestRunnerKeepsNewerCacheEntry(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()
	e.seedChat(t, chatID, "alice", 0, 0)

	key := e.setListItem(t, "alice", chatID, model.ListItemBundle{
		EncryptedTitle: sealUser(t, "v1 title"),
		LastEditedAt:   time.Now(),
	}, 1, time.Minute)
	require.NoError(t, e.reconciler.RunPass(ctx))

	// Fresh write lands after dispatch but before the task runs.
	_, err := e.cache.BumpVersion(ctx, key, time.Hour)
	require.NoError(t, err)

	e.drainTasks(t)

	// The durable store has v1; the newer cache entry survived the delete.
	chat, err := e.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.EqualValues(t, 1, chat.TitleVersion)
	entry := e.cacheEntry(t, key)
	require.NotNil(t, entry)
	require.EqualValues(t, 2, entry.Version)
}

func TestRunnerRetriesThenParksDeadTask(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()
	e.seedChat(t, chatID, "alice", 0, 0)
	e.store.updateTitleErr = &registrystore.TransientError{Op: "update-title", Err: context.DeadlineExceeded}

	e.setListItem(t, "alice", chatID, model.ListItemBundle{
		EncryptedTitle: sealUser(t, "title"),
		LastEditedAt:   time.Now(),
	}, 1, time.Minute)
	require.NoError(t, e.reconciler.RunPass(ctx))
	require.EqualValues(t, 1, e.store.taskCount())

	for range testMaxRetries {
		// Make the claimed task immediately ready again.
		e.store.mu.Lock()
		for _, task := range e.store.tasks {
			task.RetryAt = time.Now().Add(-time.Second)
		}
		e.store.mu.Unlock()
		e.runner.ProcessBatch(ctx)
	}

	// Exhausted tasks stay durable but are no longer claimed.
	require.EqualValues(t, 1, e.store.taskCount())
	tasks, err := e.store.ClaimReadyTasks(ctx, 10, testMaxRetries)
	require.NoError(t, err)
	require.Empty(t, tasks)

	dead, err := e.store.CountDeadTasks(ctx, testMaxRetries)
	require.NoError(t, err)
	require.EqualValues(t, 1, dead)
}

func TestRunnerRefusesWrongDomainAtWrite(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()
	e.seedChat(t, chatID, "alice", 0, 0)

	body := map[string]any{
		"chatId":       chatID.String(),
		"ownerId":      "alice",
		"title":        base64.StdEncoding.EncodeToString(sealServer(t, "ai title")),
		"version":      int64(1),
		"editedAt":     time.Now().Format(time.RFC3339Nano),
		"cacheKey":     registrycache.ListItemKey("alice", chatID),
		"cacheVersion": int64(1),
	}
	err := e.runner.ExecuteTask(ctx, model.TaskPersistTitle, body)
	require.Error(t, err)

	chat, err := e.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.Zero(t, chat.TitleVersion)
	require.Empty(t, chat.EncryptedTitle)
	require.EqualValues(t, 1, e.guard.ViolationCount())
}

func TestRunnerRejectsUnknownTaskType(t *testing.T) {
	e := newEnv()
	err := e.runner.ExecuteTask(context.Background(), "reticulate_splines", map[string]any{})
	require.Error(t, err)
}

func TestRunnerHandlesJSONNumberVersions(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID, messageID := uuid.New(), uuid.New()
	e.seedChat(t, chatID, "alice", 0, 0)

	// A body that round-tripped through a JSON column delivers float64 numbers.
	body := messageTaskBody(t, chatID, messageID, sealUser(t, "hi"), 1, registrycache.SyncMessagesKey(chatID))
	body["targetVersion"] = float64(2)
	body["cacheVersion"] = float64(2)

	require.NoError(t, e.runner.ExecuteTask(ctx, model.TaskPersistMessage, body))
	chat, err := e.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.EqualValues(t, 2, chat.MessagesVersion)
}
