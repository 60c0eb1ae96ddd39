package model

import (
	"time"

	"github.com/google/uuid"
)

// ListItemBundle is the payload of a `user:{owner}:chat:{chat}:list_item_data`
// cache key: the title/draft/category state shown in the chat list. The cache
// entry's single version counter covers the whole bundle.
type ListItemBundle struct {
	EncryptedTitle []byte    `json:"encryptedTitle,omitempty"`
	EncryptedDraft []byte    `json:"encryptedDraft,omitempty"`
	DraftCleared   bool      `json:"draftCleared,omitempty"`
	Category       string    `json:"category,omitempty"`
	LastEditedAt   time.Time `json:"lastEditedAt"`
}

// HasDraft reports whether the bundle carries draft state worth persisting:
// either draft content or an explicit clear.
func (b *ListItemBundle) HasDraft() bool {
	return len(b.EncryptedDraft) > 0 || b.DraftCleared
}

// PendingMessage is one message awaiting durable persistence inside a
// `chat:{chat}:messages:sync` cache entry.
type PendingMessage struct {
	ID               uuid.UUID `json:"id"`
	Role             Role      `json:"role"`
	EncryptedContent []byte    `json:"encryptedContent"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PendingMessages is the payload of a messages cache key. The entry version
// is bumped once per appended message, so version > durable messages_version
// means at least one message here has not been persisted yet.
type PendingMessages struct {
	ChatID   uuid.UUID        `json:"chatId"`
	OwnerID  string           `json:"ownerId,omitempty"`
	Messages []PendingMessage `json:"messages"`
}
