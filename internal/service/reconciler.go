package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/chat-state-service/internal/envelope"
	"github.com/chirino/chat-state-service/internal/metrics"
	"github.com/chirino/chat-state-service/internal/model"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

// PersistenceReconciler periodically scans cache entries nearing TTL expiry
// and dispatches persistence tasks for anything whose cache version is ahead
// of the durable store. It never mutates payload content and never deletes
// cache entries itself — deletion belongs to the task runner, after a
// confirmed durable write.
type PersistenceReconciler struct {
	cache      registrycache.ChatCache
	store      registrystore.ChatStore
	lifecycle  *ChatLifecycleManager
	guard      *envelope.Guard
	interval   time.Duration
	warnWindow time.Duration
	batchSize  int

	staleKeys atomic.Int64
}

// NewPersistenceReconciler creates a reconciler. interval must be strictly
// shorter than the cache TTL floor (enforced by config validation).
func NewPersistenceReconciler(cache registrycache.ChatCache, store registrystore.ChatStore, lifecycle *ChatLifecycleManager, guard *envelope.Guard, interval, warnWindow time.Duration, batchSize int) *PersistenceReconciler {
	return &PersistenceReconciler{
		cache:      cache,
		store:      store,
		lifecycle:  lifecycle,
		guard:      guard,
		interval:   interval,
		warnWindow: warnWindow,
		batchSize:  batchSize,
	}
}

// Start begins the periodic reconciliation loop. Returns when ctx is cancelled.
func (r *PersistenceReconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunPass(ctx); err != nil {
				log.Error("Reconciler: scan pass aborted", "err", err)
			}
		}
	}
}

// StaleKeys returns the number of cache keys that were inside the TTL warning
// window with a version ahead of the durable store, as of the last pass.
func (r *PersistenceReconciler) StaleKeys() int64 {
	return r.staleKeys.Load()
}

// RunPass executes one full scan over the reconciled key patterns. A per-key
// error is logged and the scan continues; an error from the key enumeration
// itself (store connection loss) aborts the pass, which is retried on the
// next scheduled interval rather than immediately.
func (r *PersistenceReconciler) RunPass(ctx context.Context) error {
	var stale int64
	err := r.cache.ScanKeys(ctx, registrycache.ListItemPattern, r.batchSize, func(key string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dispatched, err := r.reconcileListItem(ctx, key)
		if err != nil {
			metrics.ReconcilerScanErrors.Inc()
			log.Error("Reconciler: list item key failed", "key", key, "err", err)
		}
		stale += dispatched
		return nil
	})
	if err != nil {
		return err
	}
	err = r.cache.ScanKeys(ctx, registrycache.SyncMessagesPattern, r.batchSize, func(key string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		dispatched, err := r.reconcileSyncMessages(ctx, key)
		if err != nil {
			metrics.ReconcilerScanErrors.Inc()
			log.Error("Reconciler: messages key failed", "key", key, "err", err)
		}
		stale += dispatched
		return nil
	})
	if err != nil {
		return err
	}
	r.staleKeys.Store(stale)
	metrics.StaleCacheKeys.Set(float64(stale))
	return nil
}

// withinWarningWindow reports whether a key with the given remaining TTL
// needs attention this pass.
func (r *PersistenceReconciler) withinWarningWindow(ttl time.Duration) bool {
	// A non-positive TTL means the backend reported no expiry; treat it as
	// urgent rather than assuming it is safe.
	return ttl <= r.warnWindow
}

// reconcileListItem handles one list_item_data key. Returns the number of
// stale sub-resources found (dispatched or already pending).
func (r *PersistenceReconciler) reconcileListItem(ctx context.Context, key string) (int64, error) {
	entry, err := r.cache.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if entry == nil || !r.withinWarningWindow(entry.TTLRemaining) {
		return 0, nil
	}
	ownerID, chatID, err := registrycache.ParseListItemKey(key)
	if err != nil {
		return 0, err
	}
	var bundle model.ListItemBundle
	if err := json.Unmarshal(entry.Payload, &bundle); err != nil {
		return 0, err
	}

	// The sync cache is user-domain territory; anything else is contamination
	// and must not be propagated to the durable store.
	if len(bundle.EncryptedTitle) > 0 {
		if err := r.guard.AssertDomain(bundle.EncryptedTitle, envelope.DomainUser, "sync-cache", key); err != nil {
			return 0, err
		}
	}
	if len(bundle.EncryptedDraft) > 0 {
		if err := r.guard.AssertDomain(bundle.EncryptedDraft, envelope.DomainUser, "sync-cache", key); err != nil {
			return 0, err
		}
	}

	var stale int64
	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	// A draft can exist before any message was ever persisted, so the durable
	// chat record may not exist yet.
	if chat == nil {
		chat, err = r.lifecycle.EnsureChatExists(ctx, chatID, ownerID)
		if err != nil {
			return 0, err
		}
	}

	if len(bundle.EncryptedTitle) > 0 && entry.Version > chat.TitleVersion {
		stale++
		if err := r.dispatchTitle(ctx, key, entry.Version, chatID, ownerID, &bundle); err != nil {
			return stale, err
		}
	}
	if bundle.HasDraft() {
		draft, err := r.store.GetDraft(ctx, chatID, ownerID)
		if err != nil {
			return stale, err
		}
		if draft == nil || entry.Version > draft.Version {
			stale++
			if err := r.dispatchDraft(ctx, key, entry.Version, chatID, ownerID, &bundle); err != nil {
				return stale, err
			}
		}
	}
	return stale, nil
}

// reconcileSyncMessages handles one chat:*:messages:sync key.
func (r *PersistenceReconciler) reconcileSyncMessages(ctx context.Context, key string) (int64, error) {
	entry, err := r.cache.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if entry == nil || !r.withinWarningWindow(entry.TTLRemaining) {
		return 0, nil
	}
	chatID, _, err := registrycache.ParseMessagesKey(key)
	if err != nil {
		return 0, err
	}
	var pending model.PendingMessages
	if err := json.Unmarshal(entry.Payload, &pending); err != nil {
		return 0, err
	}
	for _, msg := range pending.Messages {
		if err := r.guard.AssertDomain(msg.EncryptedContent, envelope.DomainUser, "sync-cache", key); err != nil {
			return 0, err
		}
	}

	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if chat == nil {
		// Messages without a chat record should not happen (the processing
		// pipeline ensures the chat first), but the reconciler covers it the
		// same way it covers orphaned drafts.
		chat, err = r.lifecycle.EnsureChatExists(ctx, chatID, pending.OwnerID)
		if err != nil {
			return 0, err
		}
	}
	if entry.Version <= chat.MessagesVersion {
		return 0, nil
	}
	for _, msg := range pending.Messages {
		if err := r.dispatchMessage(ctx, key, entry.Version, chatID, pending.OwnerID, msg); err != nil {
			return 1, err
		}
	}
	return 1, nil
}

func (r *PersistenceReconciler) dispatchTitle(ctx context.Context, cacheKey string, version int64, chatID uuid.UUID, ownerID string, bundle *model.ListItemBundle) error {
	body := map[string]any{
		"chatId":       chatID.String(),
		"ownerId":      ownerID,
		"title":        base64.StdEncoding.EncodeToString(bundle.EncryptedTitle),
		"version":      version,
		"editedAt":     bundle.LastEditedAt.Format(time.RFC3339Nano),
		"cacheKey":     cacheKey,
		"cacheVersion": version,
	}
	if err := r.store.CreateTask(ctx, model.TaskPersistTitle, body); err != nil {
		return err
	}
	metrics.ReconcilerDispatches.WithLabelValues(model.TaskPersistTitle).Inc()
	return nil
}

func (r *PersistenceReconciler) dispatchDraft(ctx context.Context, cacheKey string, version int64, chatID uuid.UUID, ownerID string, bundle *model.ListItemBundle) error {
	body := map[string]any{
		"chatId":       chatID.String(),
		"ownerId":      ownerID,
		"draft":        base64.StdEncoding.EncodeToString(bundle.EncryptedDraft),
		"cleared":      bundle.DraftCleared,
		"version":      version,
		"editedAt":     bundle.LastEditedAt.Format(time.RFC3339Nano),
		"cacheKey":     cacheKey,
		"cacheVersion": version,
	}
	if err := r.store.CreateTask(ctx, model.TaskPersistDraft, body); err != nil {
		return err
	}
	metrics.ReconcilerDispatches.WithLabelValues(model.TaskPersistDraft).Inc()
	return nil
}

func (r *PersistenceReconciler) dispatchMessage(ctx context.Context, cacheKey string, version int64, chatID uuid.UUID, ownerID string, msg model.PendingMessage) error {
	body := map[string]any{
		"chatId":        chatID.String(),
		"ownerId":       ownerID,
		"messageId":     msg.ID.String(),
		"role":          string(msg.Role),
		"content":       base64.StdEncoding.EncodeToString(msg.EncryptedContent),
		"createdAt":     msg.CreatedAt.Format(time.RFC3339Nano),
		"targetVersion": version,
		"cacheKey":      cacheKey,
		"cacheVersion":  version,
	}
	if err := r.store.CreateTask(ctx, model.TaskPersistMessage, body); err != nil {
		return err
	}
	metrics.ReconcilerDispatches.WithLabelValues(model.TaskPersistMessage).Inc()
	return nil
}
