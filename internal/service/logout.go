package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/chat-state-service/internal/envelope"
	"github.com/chirino/chat-state-service/internal/metrics"
	"github.com/chirino/chat-state-service/internal/model"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

// LogoutFlusher persists a user's cached draft synchronously at logout time,
// instead of waiting for the reconciler. The flush is bounded: logout must
// not hang on a slow store, so on timeout the cache entry is left in place
// for the background path to pick up.
type LogoutFlusher struct {
	cache     registrycache.ChatCache
	store     registrystore.ChatStore
	lifecycle *ChatLifecycleManager
	guard     *envelope.Guard
	timeout   time.Duration
}

// NewLogoutFlusher creates a logout flusher.
func NewLogoutFlusher(cache registrycache.ChatCache, store registrystore.ChatStore, lifecycle *ChatLifecycleManager, guard *envelope.Guard, timeout time.Duration) *LogoutFlusher {
	return &LogoutFlusher{
		cache:     cache,
		store:     store,
		lifecycle: lifecycle,
		guard:     guard,
		timeout:   timeout,
	}
}

// FlushDraftOnLogout persists the cached draft for one chat, if any.
// Returns whether the draft was confirmed durable. A deadline overrun or
// store error returns flushed=false with the cache entry intact; logout
// proceeds either way, so callers treat the error as diagnostic only.
func (f *LogoutFlusher) FlushDraftOnLogout(ctx context.Context, ownerID string, chatID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	flushed, err := f.flush(ctx, ownerID, chatID)
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.LogoutFlushTimeouts.Inc()
		log.Warn("LogoutFlush: deadline exceeded, draft left for reconciler", "chatId", chatID)
		return false, nil
	}
	return flushed, err
}

func (f *LogoutFlusher) flush(ctx context.Context, ownerID string, chatID uuid.UUID) (bool, error) {
	key := registrycache.ListItemKey(ownerID, chatID)
	entry, err := f.cache.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	var bundle model.ListItemBundle
	if err := json.Unmarshal(entry.Payload, &bundle); err != nil {
		return false, err
	}
	if !bundle.HasDraft() {
		return false, nil
	}
	if len(bundle.EncryptedDraft) > 0 {
		if err := f.guard.AssertDomain(bundle.EncryptedDraft, envelope.DomainUser, "durable-store", key); err != nil {
			return false, err
		}
	}

	chat, err := f.lifecycle.EnsureChatExists(ctx, chatID, ownerID)
	if err != nil {
		return false, err
	}
	draft := &model.Draft{
		ChatID:           chatID,
		OwnerID:          ownerID,
		EncryptedContent: bundle.EncryptedDraft,
		Cleared:          bundle.DraftCleared,
		Version:          entry.Version,
		LastEditedAt:     bundle.LastEditedAt,
	}
	if _, err := f.store.UpsertDraft(ctx, draft); err != nil {
		return false, err
	}

	// The entry also carries the title. If the cached title is still ahead of
	// the durable one, keep the entry for the reconciler instead of deleting
	// the only copy of the newer title.
	if len(bundle.EncryptedTitle) > 0 && entry.Version > chat.TitleVersion {
		log.Debug("LogoutFlush: title still unpersisted, cache entry kept", "key", key)
		return true, nil
	}

	// The write is confirmed; the entry can go, unless something fresher
	// landed in the cache while we were flushing.
	if _, err := f.cache.DeleteIfVersion(ctx, key, entry.Version); err != nil {
		log.Warn("LogoutFlush: cache delete failed, entry expires by TTL", "key", key, "err", err)
	}
	return true, nil
}
