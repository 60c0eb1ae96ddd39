package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/chat-state-service/internal/model"
	registrykeys "github.com/chirino/chat-state-service/internal/registry/keys"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

// ChatLifecycleManager guarantees a chat's durable record and its server-side
// envelope key exist before any sub-resource write.
type ChatLifecycleManager struct {
	store      registrystore.ChatStore
	serverKeys registrykeys.Provider
}

// NewChatLifecycleManager creates a lifecycle manager.
func NewChatLifecycleManager(store registrystore.ChatStore, serverKeys registrykeys.Provider) *ChatLifecycleManager {
	return &ChatLifecycleManager{store: store, serverKeys: serverKeys}
}

// EnsureChatExists returns the durable chat record, creating it if absent.
// The server key is provisioned before the record is written: a chat is never
// created without a valid key reference. Concurrent callers converge on a
// single record — a duplicate-key error on create means another writer won,
// and the re-read returns their record.
func (m *ChatLifecycleManager) EnsureChatExists(ctx context.Context, chatID uuid.UUID, ownerID string) (*model.ChatRecord, error) {
	rec, err := m.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	keyRef, err := m.serverKeys.CreateKey(ctx, chatID.String())
	if err != nil {
		return nil, fmt.Errorf("ensure chat %s: %w", chatID, err)
	}

	now := time.Now()
	rec = &model.ChatRecord{
		ID:                 chatID,
		OwnerID:            ownerID,
		TitleVersion:       0,
		MessagesVersion:    0,
		ServerKeyReference: keyRef,
		LastEditedAt:       now,
		CreatedAt:          now,
	}
	err = m.store.CreateChat(ctx, rec)
	if registrystore.IsConflict(err) {
		log.Debug("chat created concurrently by another writer", "chatId", chatID)
		existing, getErr := m.store.GetChat(ctx, chatID)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, fmt.Errorf("ensure chat %s: record missing after create conflict", chatID)
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
