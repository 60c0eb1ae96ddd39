package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatRecord is the durable system-of-record row for a chat. OwnerID is an
// opaque, already-hashed user identifier, immutable after creation.
// ServerKeyReference is an opaque handle to the server-side envelope key;
// it is written exactly once at creation and never changes afterwards.
type ChatRecord struct {
	ID                 uuid.UUID  `json:"id"                 gorm:"primaryKey;type:uuid"                 bson:"_id"`
	OwnerID            string     `json:"ownerId"            gorm:"not null;index"                      bson:"owner_id"`
	EncryptedTitle     []byte     `json:"-"                  gorm:"type:bytea"                          bson:"encrypted_title,omitempty"`
	TitleVersion       int64      `json:"titleVersion"       gorm:"not null;default:0"                  bson:"title_version"`
	MessagesVersion    int64      `json:"messagesVersion"    gorm:"not null;default:0"                  bson:"messages_version"`
	ServerKeyReference string     `json:"serverKeyReference" gorm:"not null"                            bson:"server_key_reference"`
	LastEditedAt       time.Time  `json:"lastEditedAt"       gorm:"not null"                            bson:"last_edited_at"`
	CreatedAt          time.Time  `json:"createdAt"          gorm:"not null;default:now()"              bson:"created_at"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"                                           bson:"deleted_at,omitempty"`
}

func (ChatRecord) TableName() string { return "chats" }

// Message is a single chat message. Created once, persisted durably exactly
// once, never mutated after persistence. EncryptedContent must be in the
// user-key domain before it reaches a durable store.
type Message struct {
	ID               uuid.UUID `json:"id"        gorm:"primaryKey;type:uuid"    bson:"_id"`
	ChatID           uuid.UUID `json:"chatId"    gorm:"not null;type:uuid;index" bson:"chat_id"`
	Role             Role      `json:"role"      gorm:"not null"                bson:"role"`
	EncryptedContent []byte    `json:"-"         gorm:"type:bytea;not null"     bson:"encrypted_content"`
	CreatedAt        time.Time `json:"createdAt" gorm:"not null;default:now()"  bson:"created_at"`
}

func (Message) TableName() string { return "messages" }

// Draft is the durable copy of a per-user draft. The cache copy is the
// source of truth while it exists; the durable version may only advance,
// never retreat, and a durable draft is removed only by an explicit clear.
type Draft struct {
	ChatID           uuid.UUID `json:"chatId"       gorm:"primaryKey;type:uuid" bson:"chat_id"`
	OwnerID          string    `json:"ownerId"      gorm:"primaryKey"           bson:"owner_id"`
	EncryptedContent []byte    `json:"-"            gorm:"type:bytea"           bson:"encrypted_content,omitempty"`
	Cleared          bool      `json:"cleared"      gorm:"not null;default:false" bson:"cleared"`
	Version          int64     `json:"version"      gorm:"not null;default:0"   bson:"version"`
	LastEditedAt     time.Time `json:"lastEditedAt" gorm:"not null"             bson:"last_edited_at"`
}

func (Draft) TableName() string { return "drafts" }

// Task is a row in the durable task queue. Delivery is at-least-once:
// a claimed task that is not deleted before its retry deadline is handed
// out again, so every task handler must be idempotent.
type Task struct {
	ID         uuid.UUID              `json:"id"                  gorm:"primaryKey;type:uuid"                    bson:"_id"`
	TaskType   string                 `json:"taskType"            gorm:"not null"                                bson:"task_type"`
	TaskBody   map[string]any `json:"taskBody"            gorm:"type:jsonb;serializer:json;not null"     bson:"task_body"`
	CreatedAt  time.Time              `json:"createdAt"           gorm:"not null;default:now()"                  bson:"created_at"`
	RetryAt    time.Time              `json:"retryAt"             gorm:"not null;default:now();index"            bson:"retry_at"`
	LastError  *string                `json:"lastError,omitempty"                                                bson:"last_error,omitempty"`
	RetryCount int                    `json:"retryCount"          gorm:"not null;default:0"                      bson:"retry_count"`
}

func (Task) TableName() string { return "tasks" }

// Task types dispatched by the reconciler and the logout flush path.
const (
	TaskPersistTitle   = "persist_title"
	TaskPersistDraft   = "persist_draft"
	TaskPersistMessage = "persist_message"
)
