package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/chirino/chat-state-service/internal/model"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

// ClearDraft removes a draft everywhere: the durable row is deleted and the
// cached list item loses its draft fields. An explicit clear outranks
// whatever version the cache holds — but the entry also carries the title,
// and when the cached title is still ahead of the durable one the entry is
// rewritten without the draft rather than deleted, so the only copy of the
// newer title stays put for the reconciler.
func ClearDraft(ctx context.Context, store registrystore.ChatStore, cache registrycache.ChatCache, ownerID string, chatID uuid.UUID) error {
	if err := store.ClearDraft(ctx, chatID, ownerID); err != nil {
		return err
	}
	key := registrycache.ListItemKey(ownerID, chatID)
	entry, err := cache.Get(ctx, key)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	var bundle model.ListItemBundle
	if err := json.Unmarshal(entry.Payload, &bundle); err == nil && len(bundle.EncryptedTitle) > 0 {
		chat, err := store.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		if chat == nil || entry.Version > chat.TitleVersion {
			bundle.EncryptedDraft = nil
			bundle.DraftCleared = false
			payload, err := json.Marshal(bundle)
			if err != nil {
				return err
			}
			return cache.Set(ctx, key, payload, entry.Version, entry.TTLRemaining)
		}
	}
	_, err = cache.Delete(ctx, key)
	return err
}
