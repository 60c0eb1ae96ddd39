package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/chat-state-service/internal/envelope"
	"github.com/chirino/chat-state-service/internal/metrics"
	"github.com/chirino/chat-state-service/internal/model"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

// PersistenceTaskRunner polls for ready persistence tasks and executes them.
// Tasks are delivered at least once; every mutation they perform is
// idempotent, so a redelivered task converges on the same durable state.
// Cache entries are removed only after the durable write is confirmed, and
// only at the exact version the task carried.
type PersistenceTaskRunner struct {
	store      registrystore.ChatStore
	cache      registrycache.ChatCache
	lifecycle  *ChatLifecycleManager
	guard      *envelope.Guard
	interval   time.Duration
	retryDelay time.Duration
	maxRetries int
	batchSize  int
}

// NewPersistenceTaskRunner creates a new background task runner.
func NewPersistenceTaskRunner(store registrystore.ChatStore, cache registrycache.ChatCache, lifecycle *ChatLifecycleManager, guard *envelope.Guard, interval, retryDelay time.Duration, maxRetries, batchSize int) *PersistenceTaskRunner {
	return &PersistenceTaskRunner{
		store:      store,
		cache:      cache,
		lifecycle:  lifecycle,
		guard:      guard,
		interval:   interval,
		retryDelay: retryDelay,
		maxRetries: maxRetries,
		batchSize:  batchSize,
	}
}

// Start begins the periodic task processing loop. Returns when ctx is cancelled.
func (p *PersistenceTaskRunner) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims and executes one batch of ready tasks.
func (p *PersistenceTaskRunner) ProcessBatch(ctx context.Context) {
	tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize, p.maxRetries)
	if err != nil {
		log.Error("TaskRunner: claim tasks failed", "err", err)
		return
	}
	for _, task := range tasks {
		if err := p.ExecuteTask(ctx, task.TaskType, task.TaskBody); err != nil {
			metrics.TasksFailed.WithLabelValues(task.TaskType).Inc()
			log.Error("TaskRunner: task failed", "taskId", task.ID, "type", task.TaskType, "err", err)
			if fErr := p.store.FailTask(ctx, task.ID, err.Error(), p.retryDelay); fErr != nil {
				log.Error("TaskRunner: fail task record failed", "taskId", task.ID, "err", fErr)
			}
		} else {
			if dErr := p.store.DeleteTask(ctx, task.ID); dErr != nil {
				log.Error("TaskRunner: delete task failed", "taskId", task.ID, "err", dErr)
			}
		}
	}
}

// ExecuteTask runs a single task body. Exposed for direct execution in tests.
func (p *PersistenceTaskRunner) ExecuteTask(ctx context.Context, taskType string, body map[string]any) error {
	switch taskType {
	case model.TaskPersistTitle:
		return p.executePersistTitle(ctx, body)
	case model.TaskPersistDraft:
		return p.executePersistDraft(ctx, body)
	case model.TaskPersistMessage:
		return p.executePersistMessage(ctx, body)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (p *PersistenceTaskRunner) executePersistTitle(ctx context.Context, body map[string]any) error {
	chatID, err := bodyUUID(body, "chatId")
	if err != nil {
		return err
	}
	ownerID, err := bodyString(body, "ownerId")
	if err != nil {
		return err
	}
	title, err := bodyBytes(body, "title")
	if err != nil {
		return err
	}
	version, err := bodyInt64(body, "version")
	if err != nil {
		return err
	}
	editedAt, err := bodyTime(body, "editedAt")
	if err != nil {
		return err
	}
	if err := p.guard.AssertDomain(title, envelope.DomainUser, "durable-store", chatID.String()); err != nil {
		return err
	}
	if _, err := p.lifecycle.EnsureChatExists(ctx, chatID, ownerID); err != nil {
		return err
	}
	updated, err := p.store.UpdateChatTitle(ctx, chatID, title, version, editedAt)
	if err != nil {
		return err
	}
	if !updated {
		log.Debug("TaskRunner: title already at or past version", "chatId", chatID, "version", version)
	}
	return p.dropCacheEntry(ctx, body)
}

func (p *PersistenceTaskRunner) executePersistDraft(ctx context.Context, body map[string]any) error {
	chatID, err := bodyUUID(body, "chatId")
	if err != nil {
		return err
	}
	ownerID, err := bodyString(body, "ownerId")
	if err != nil {
		return err
	}
	content, err := bodyBytes(body, "draft")
	if err != nil {
		return err
	}
	cleared, _ := body["cleared"].(bool)
	version, err := bodyInt64(body, "version")
	if err != nil {
		return err
	}
	editedAt, err := bodyTime(body, "editedAt")
	if err != nil {
		return err
	}
	if len(content) > 0 {
		if err := p.guard.AssertDomain(content, envelope.DomainUser, "durable-store", chatID.String()); err != nil {
			return err
		}
	}
	if _, err := p.lifecycle.EnsureChatExists(ctx, chatID, ownerID); err != nil {
		return err
	}
	draft := &model.Draft{
		ChatID:           chatID,
		OwnerID:          ownerID,
		EncryptedContent: content,
		Cleared:          cleared,
		Version:          version,
		LastEditedAt:     editedAt,
	}
	updated, err := p.store.UpsertDraft(ctx, draft)
	if err != nil {
		return err
	}
	if !updated {
		log.Debug("TaskRunner: draft already at or past version", "chatId", chatID, "version", version)
	}
	return p.dropCacheEntry(ctx, body)
}

func (p *PersistenceTaskRunner) executePersistMessage(ctx context.Context, body map[string]any) error {
	chatID, err := bodyUUID(body, "chatId")
	if err != nil {
		return err
	}
	messageID, err := bodyUUID(body, "messageId")
	if err != nil {
		return err
	}
	role, err := bodyString(body, "role")
	if err != nil {
		return err
	}
	content, err := bodyBytes(body, "content")
	if err != nil {
		return err
	}
	createdAt, err := bodyTime(body, "createdAt")
	if err != nil {
		return err
	}
	targetVersion, err := bodyInt64(body, "targetVersion")
	if err != nil {
		return err
	}
	if err := p.guard.AssertDomain(content, envelope.DomainUser, "durable-store", messageID.String()); err != nil {
		return err
	}
	// Older task bodies may predate the ownerId field.
	ownerID, _ := body["ownerId"].(string)
	if _, err := p.lifecycle.EnsureChatExists(ctx, chatID, ownerID); err != nil {
		return err
	}

	// Insert happens before the version bump. A crash between the two leaves
	// the row durable and the version behind; the redelivered task re-runs
	// both, the duplicate insert no-ops, and the version catches up.
	msg := &model.Message{
		ID:               messageID,
		ChatID:           chatID,
		Role:             model.Role(role),
		EncryptedContent: content,
		CreatedAt:        createdAt,
	}
	inserted, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		return err
	}
	if !inserted {
		log.Debug("TaskRunner: message already persisted", "messageId", messageID)
	}
	if _, err := p.store.SetMessagesVersion(ctx, chatID, targetVersion, createdAt); err != nil {
		return err
	}
	return p.dropCacheEntry(ctx, body)
}

// dropCacheEntry removes the cache entry the task was dispatched for, but
// only if the entry is still at the version the task persisted. A newer
// cache version means fresher data arrived since dispatch and must survive.
func (p *PersistenceTaskRunner) dropCacheEntry(ctx context.Context, body map[string]any) error {
	cacheKey, err := bodyString(body, "cacheKey")
	if err != nil {
		return err
	}
	cacheVersion, err := bodyInt64(body, "cacheVersion")
	if err != nil {
		return err
	}
	deleted, err := p.cache.DeleteIfVersion(ctx, cacheKey, cacheVersion)
	if err != nil {
		// The durable write already succeeded; a cache hiccup here is not a
		// reason to redeliver the whole task. The entry falls out by TTL.
		log.Warn("TaskRunner: cache delete failed, entry expires by TTL", "key", cacheKey, "err", err)
		return nil
	}
	if !deleted {
		log.Debug("TaskRunner: cache entry moved past persisted version, kept", "key", cacheKey, "version", cacheVersion)
	}
	return nil
}

// Task bodies round-trip through JSON, so numbers arrive as float64 or
// json.Number and byte fields as base64 strings.

func bodyString(body map[string]any, key string) (string, error) {
	s, ok := body[key].(string)
	if !ok {
		return "", fmt.Errorf("missing or invalid %s in task body", key)
	}
	return s, nil
}

func bodyUUID(body map[string]any, key string) (uuid.UUID, error) {
	s, err := bodyString(body, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return id, nil
}

func bodyBytes(body map[string]any, key string) ([]byte, error) {
	s, err := bodyString(body, key)
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s encoding: %w", key, err)
	}
	return b, nil
}

func bodyInt64(body map[string]any, key string) (int64, error) {
	switch v := body[key].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("missing or invalid %s in task body", key)
	}
}

func bodyTime(body map[string]any, key string) (time.Time, error) {
	s, err := bodyString(body, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s timestamp: %w", key, err)
	}
	return t, nil
}
