// Package postgres registers the "postgres" durable store plugin.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chirino/chat-state-service/internal/config"
	"github.com/chirino/chat-state-service/internal/model"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

const uniqueViolation = "23505"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)

			if cfg.DatastoreMigrateAtStart {
				if err := db.WithContext(ctx).AutoMigrate(
					&model.ChatRecord{}, &model.Message{}, &model.Draft{}, &model.Task{},
				); err != nil {
					return nil, fmt.Errorf("postgres migration: %w", err)
				}
				log.Info("Postgres schema migration complete")
			}
			return &PostgresStore{db: db}, nil
		},
	})
}

// PostgresStore implements ChatStore using GORM over PostgreSQL.
type PostgresStore struct {
	db *gorm.DB
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ── Chats ─────────────────────────────────────────────────────────────────────

func (s *PostgresStore) GetChat(ctx context.Context, chatID uuid.UUID) (*model.ChatRecord, error) {
	var rec model.ChatRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &registrystore.TransientError{Op: "get chat", Err: err}
	}
	return &rec, nil
}

func (s *PostgresStore) CreateChat(ctx context.Context, rec *model.ChatRecord) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if isUniqueViolation(err) {
		return &registrystore.ConflictError{Resource: "chat", ID: rec.ID.String()}
	}
	if err != nil {
		return &registrystore.TransientError{Op: "create chat", Err: err}
	}
	return nil
}

func (s *PostgresStore) UpdateChatTitle(ctx context.Context, chatID uuid.UUID, encryptedTitle []byte, version int64, editedAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.ChatRecord{}).
		Where("id = ? AND title_version < ?", chatID, version).
		Updates(map[string]any{
			"encrypted_title": encryptedTitle,
			"title_version":   version,
			"last_edited_at":  editedAt,
		})
	if res.Error != nil {
		return false, &registrystore.TransientError{Op: "update chat title", Err: res.Error}
	}
	return res.RowsAffected > 0, nil
}

func (s *PostgresStore) SetMessagesVersion(ctx context.Context, chatID uuid.UUID, version int64, editedAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.ChatRecord{}).
		Where("id = ? AND messages_version < ?", chatID, version).
		Updates(map[string]any{
			"messages_version": version,
			"last_edited_at":   editedAt,
		})
	if res.Error != nil {
		return false, &registrystore.TransientError{Op: "set messages version", Err: res.Error}
	}
	return res.RowsAffected > 0, nil
}

// ── Messages ──────────────────────────────────────────────────────────────────

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *model.Message) (bool, error) {
	err := s.db.WithContext(ctx).Create(msg).Error
	if isUniqueViolation(err) {
		// Already persisted by an earlier delivery of the same task.
		return false, nil
	}
	if err != nil {
		return false, &registrystore.TransientError{Op: "insert message", Err: err}
	}
	return true, nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, chatID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Message{}).Where("chat_id = ?", chatID).Count(&n).Error
	if err != nil {
		return 0, &registrystore.TransientError{Op: "count messages", Err: err}
	}
	return n, nil
}

// ── Drafts ────────────────────────────────────────────────────────────────────

func (s *PostgresStore) GetDraft(ctx context.Context, chatID uuid.UUID, ownerID string) (*model.Draft, error) {
	var draft model.Draft
	err := s.db.WithContext(ctx).First(&draft, "chat_id = ? AND owner_id = ?", chatID, ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &registrystore.TransientError{Op: "get draft", Err: err}
	}
	return &draft, nil
}

func (s *PostgresStore) UpsertDraft(ctx context.Context, draft *model.Draft) (bool, error) {
	updated, err := s.updateDraft(ctx, draft)
	if err != nil || updated {
		return updated, err
	}
	// No row matched: either the draft does not exist yet, or the stored
	// version is already >= the incoming one. Try a fresh insert.
	err = s.db.WithContext(ctx).Create(draft).Error
	if err == nil {
		return true, nil
	}
	if !isUniqueViolation(err) {
		return false, &registrystore.TransientError{Op: "insert draft", Err: err}
	}
	// A concurrent writer inserted first, possibly with a version lower than
	// ours. Re-run the conditional update against the row that just appeared;
	// only a no-match there means the stored version actually won.
	return s.updateDraft(ctx, draft)
}

func (s *PostgresStore) updateDraft(ctx context.Context, draft *model.Draft) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Draft{}).
		Where("chat_id = ? AND owner_id = ? AND version < ?", draft.ChatID, draft.OwnerID, draft.Version).
		Updates(map[string]any{
			"encrypted_content": draft.EncryptedContent,
			"cleared":           draft.Cleared,
			"version":           draft.Version,
			"last_edited_at":    draft.LastEditedAt,
		})
	if res.Error != nil {
		return false, &registrystore.TransientError{Op: "upsert draft", Err: res.Error}
	}
	return res.RowsAffected > 0, nil
}

func (s *PostgresStore) ClearDraft(ctx context.Context, chatID uuid.UUID, ownerID string) error {
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID).
		Delete(&model.Draft{}).Error
	if err != nil {
		return &registrystore.TransientError{Op: "clear draft", Err: err}
	}
	return nil
}

// ── Integrity ─────────────────────────────────────────────────────────────────

func (s *PostgresStore) ScanCiphertexts(ctx context.Context, batchSize int, fn func(ref registrystore.CiphertextRef) error) error {
	var chats []model.ChatRecord
	err := s.db.WithContext(ctx).
		Where("encrypted_title IS NOT NULL").
		FindInBatches(&chats, batchSize, func(tx *gorm.DB, _ int) error {
			for _, c := range chats {
				if err := fn(registrystore.CiphertextRef{Entity: "chat_title", Ref: c.ID.String(), Ciphertext: c.EncryptedTitle}); err != nil {
					return err
				}
			}
			return nil
		}).Error
	if err != nil {
		return err
	}

	var msgs []model.Message
	err = s.db.WithContext(ctx).
		FindInBatches(&msgs, batchSize, func(tx *gorm.DB, _ int) error {
			for _, m := range msgs {
				if err := fn(registrystore.CiphertextRef{Entity: "message", Ref: m.ID.String(), Ciphertext: m.EncryptedContent}); err != nil {
					return err
				}
			}
			return nil
		}).Error
	if err != nil {
		return err
	}

	var drafts []model.Draft
	return s.db.WithContext(ctx).
		Where("encrypted_content IS NOT NULL").
		FindInBatches(&drafts, batchSize, func(tx *gorm.DB, _ int) error {
			for _, d := range drafts {
				ref := fmt.Sprintf("%s/%s", d.ChatID, d.OwnerID)
				if err := fn(registrystore.CiphertextRef{Entity: "draft", Ref: ref, Ciphertext: d.EncryptedContent}); err != nil {
					return err
				}
			}
			return nil
		}).Error
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

func (s *PostgresStore) CreateTask(ctx context.Context, taskType string, taskBody map[string]any) error {
	task := model.Task{
		ID:       uuid.New(),
		TaskType: taskType,
		TaskBody: taskBody,
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return &registrystore.TransientError{Op: "create task", Err: err}
	}
	return nil
}

func (s *PostgresStore) ClaimReadyTasks(ctx context.Context, limit, maxRetries int) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).Raw(`
		WITH claimed AS (
			SELECT id
			FROM tasks
			WHERE retry_at <= NOW() AND retry_count < ?
			ORDER BY retry_at, created_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET retry_at = NOW() + INTERVAL '5 minutes'
		FROM claimed
		WHERE t.id = claimed.id
		RETURNING t.*
	`, maxRetries, limit).
		Scan(&tasks).Error
	if err != nil {
		return nil, &registrystore.TransientError{Op: "claim ready tasks", Err: err}
	}
	return tasks, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	err := s.db.WithContext(ctx).Delete(&model.Task{}, "id = ?", taskID).Error
	if err != nil {
		return &registrystore.TransientError{Op: "delete task", Err: err}
	}
	return nil
}

func (s *PostgresStore) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	err := s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(map[string]any{
		"retry_count": gorm.Expr("retry_count + 1"),
		"retry_at":    time.Now().Add(retryDelay),
		"last_error":  errMsg,
	}).Error
	if err != nil {
		return &registrystore.TransientError{Op: "fail task", Err: err}
	}
	return nil
}

func (s *PostgresStore) CountDeadTasks(ctx context.Context, maxRetries int) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Task{}).Where("retry_count >= ?", maxRetries).Count(&n).Error
	if err != nil {
		return 0, &registrystore.TransientError{Op: "count dead tasks", Err: err}
	}
	return n, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ registrystore.ChatStore = (*PostgresStore)(nil)
