package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-state-service/internal/model"
	"github.com/google/uuid"
)

// CiphertextRef identifies one durable ciphertext for integrity scans.
type CiphertextRef struct {
	Entity     string // "chat_title", "message", "draft"
	Ref        string // entity id for operator tooling
	Ciphertext []byte
}

// ChatStore is the durable system-of-record interface. Conditional writes
// return (false, nil) when the incoming version is not strictly greater than
// the stored one — a benign no-op from a duplicate dispatch, never an error.
type ChatStore interface {
	// Chats
	GetChat(ctx context.Context, chatID uuid.UUID) (*model.ChatRecord, error)
	// CreateChat inserts rec. A duplicate primary key returns a *ConflictError
	// so the caller can treat it as success-by-another-writer.
	CreateChat(ctx context.Context, rec *model.ChatRecord) error
	// UpdateChatTitle writes the title iff version > the stored title_version.
	UpdateChatTitle(ctx context.Context, chatID uuid.UUID, encryptedTitle []byte, version int64, editedAt time.Time) (bool, error)
	// SetMessagesVersion advances messages_version iff version is greater.
	SetMessagesVersion(ctx context.Context, chatID uuid.UUID, version int64, editedAt time.Time) (bool, error)

	// Messages
	// InsertMessage persists msg. Re-inserting an existing message id is a
	// no-op returning (false, nil); a fresh insert returns (true, nil).
	InsertMessage(ctx context.Context, msg *model.Message) (bool, error)
	CountMessages(ctx context.Context, chatID uuid.UUID) (int64, error)

	// Drafts
	GetDraft(ctx context.Context, chatID uuid.UUID, ownerID string) (*model.Draft, error)
	// UpsertDraft creates or updates the draft iff draft.Version is strictly
	// greater than the stored version (missing counts as version < 0).
	UpsertDraft(ctx context.Context, draft *model.Draft) (bool, error)
	// ClearDraft removes the durable draft explicitly. Version comparison
	// never deletes a durable draft; only this call does.
	ClearDraft(ctx context.Context, chatID uuid.UUID, ownerID string) error

	// Integrity
	// ScanCiphertexts streams every durable ciphertext (titles, messages,
	// drafts) in batches of at most batchSize. An error from fn stops the scan.
	ScanCiphertexts(ctx context.Context, batchSize int, fn func(ref CiphertextRef) error) error

	// Task queue (at-least-once delivery, no cross-task ordering)
	CreateTask(ctx context.Context, taskType string, taskBody map[string]any) error
	// ClaimReadyTasks leases up to limit tasks whose retry deadline has passed
	// and whose retry count is below maxRetries.
	ClaimReadyTasks(ctx context.Context, limit, maxRetries int) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID uuid.UUID) error
	FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error
	// CountDeadTasks counts tasks that exhausted their retries (dead-letter).
	CountDeadTasks(ctx context.Context, maxRetries int) (int64, error)

	Close(ctx context.Context) error
}

// Loader creates a ChatStore from config.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
