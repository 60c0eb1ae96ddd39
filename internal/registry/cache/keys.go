package cache

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Cache key naming is a stable contract consumed by the reconciler's pattern
// scan. The AI and sync message tiers use two physically distinct keys — one
// per encryption domain, never the same key.

// ListItemKey names the title/draft/category bundle for one owner+chat.
func ListItemKey(ownerID string, chatID uuid.UUID) string {
	return fmt.Sprintf("user:%s:chat:%s:list_item_data", ownerID, chatID)
}

// SyncMessagesKey names the user-domain pending-messages entry for a chat.
func SyncMessagesKey(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:messages:sync", chatID)
}

// AIMessagesKey names the server-domain processing-tier entry for a chat.
func AIMessagesKey(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:messages:ai", chatID)
}

// Scan patterns matching the key constructors above.
const (
	ListItemPattern     = "user:*:chat:*:list_item_data"
	SyncMessagesPattern = "chat:*:messages:sync"
	AIMessagesPattern   = "chat:*:messages:ai"
)

// ParseListItemKey extracts the owner and chat from a list_item_data key.
func ParseListItemKey(key string) (ownerID string, chatID uuid.UUID, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != "user" || parts[2] != "chat" || parts[4] != "list_item_data" {
		return "", uuid.Nil, fmt.Errorf("cache: %q is not a list_item_data key", key)
	}
	chatID, err = uuid.Parse(parts[3])
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("cache: invalid chat id in key %q: %w", key, err)
	}
	return parts[1], chatID, nil
}

// ParseMessagesKey extracts the chat id and tier ("sync" or "ai") from a
// messages key.
func ParseMessagesKey(key string) (chatID uuid.UUID, tier string, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "chat" || parts[2] != "messages" {
		return uuid.Nil, "", fmt.Errorf("cache: %q is not a messages key", key)
	}
	if parts[3] != "sync" && parts[3] != "ai" {
		return uuid.Nil, "", fmt.Errorf("cache: unknown messages tier %q in key %q", parts[3], key)
	}
	chatID, err = uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("cache: invalid chat id in key %q: %w", key, err)
	}
	return chatID, parts[3], nil
}
