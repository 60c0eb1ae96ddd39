// Package mongo registers the "mongo" durable store plugin.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/chirino/chat-state-service/internal/config"
	"github.com/chirino/chat-state-service/internal/model"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

const dbName = "chat_state"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			store := &MongoStore{client: client, db: client.Database(dbName)}
			if cfg.DatastoreMigrateAtStart {
				if err := store.ensureIndexes(ctx); err != nil {
					return nil, err
				}
			}
			return store, nil
		},
	})
}

// MongoStore implements ChatStore using MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func (s *MongoStore) chats() *mongo.Collection    { return s.db.Collection("chats") }
func (s *MongoStore) messages() *mongo.Collection { return s.db.Collection("messages") }
func (s *MongoStore) drafts() *mongo.Collection   { return s.db.Collection("drafts") }
func (s *MongoStore) tasks() *mongo.Collection    { return s.db.Collection("tasks") }

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	collections := map[string][]mongo.IndexModel{
		"chats": {
			{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		"drafts": {
			{
				Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "owner_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		"tasks": {
			{Keys: bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
	for name, indexes := range collections {
		s.db.CreateCollection(ctx, name)
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
		}
	}
	log.Info("MongoDB schema migration complete")
	return nil
}

func uuidToStr(id uuid.UUID) string { return id.String() }
func strToUUID(s string) uuid.UUID  { u, _ := uuid.Parse(s); return u }

// ── Chats ─────────────────────────────────────────────────────────────────────

func (s *MongoStore) GetChat(ctx context.Context, chatID uuid.UUID) (*model.ChatRecord, error) {
	var doc chatDoc
	err := s.chats().FindOne(ctx, bson.M{"_id": uuidToStr(chatID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, &registrystore.TransientError{Op: "get chat", Err: err}
	}
	return doc.toModel(), nil
}

func (s *MongoStore) CreateChat(ctx context.Context, rec *model.ChatRecord) error {
	_, err := s.chats().InsertOne(ctx, chatDocFrom(rec))
	if mongo.IsDuplicateKeyError(err) {
		return &registrystore.ConflictError{Resource: "chat", ID: rec.ID.String()}
	}
	if err != nil {
		return &registrystore.TransientError{Op: "create chat", Err: err}
	}
	return nil
}

func (s *MongoStore) UpdateChatTitle(ctx context.Context, chatID uuid.UUID, encryptedTitle []byte, version int64, editedAt time.Time) (bool, error) {
	res, err := s.chats().UpdateOne(ctx,
		bson.M{"_id": uuidToStr(chatID), "title_version": bson.M{"$lt": version}},
		bson.M{"$set": bson.M{
			"encrypted_title": encryptedTitle,
			"title_version":   version,
			"last_edited_at":  editedAt,
		}},
	)
	if err != nil {
		return false, &registrystore.TransientError{Op: "update chat title", Err: err}
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) SetMessagesVersion(ctx context.Context, chatID uuid.UUID, version int64, editedAt time.Time) (bool, error) {
	res, err := s.chats().UpdateOne(ctx,
		bson.M{"_id": uuidToStr(chatID), "messages_version": bson.M{"$lt": version}},
		bson.M{"$set": bson.M{
			"messages_version": version,
			"last_edited_at":   editedAt,
		}},
	)
	if err != nil {
		return false, &registrystore.TransientError{Op: "set messages version", Err: err}
	}
	return res.ModifiedCount > 0, nil
}

// ── Messages ──────────────────────────────────────────────────────────────────

func (s *MongoStore) InsertMessage(ctx context.Context, msg *model.Message) (bool, error) {
	doc := bson.M{
		"_id":               uuidToStr(msg.ID),
		"chat_id":           uuidToStr(msg.ChatID),
		"role":              string(msg.Role),
		"encrypted_content": msg.EncryptedContent,
		"created_at":        msg.CreatedAt,
	}
	_, err := s.messages().InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		// Already persisted by an earlier delivery of the same task.
		return false, nil
	}
	if err != nil {
		return false, &registrystore.TransientError{Op: "insert message", Err: err}
	}
	return true, nil
}

func (s *MongoStore) CountMessages(ctx context.Context, chatID uuid.UUID) (int64, error) {
	n, err := s.messages().CountDocuments(ctx, bson.M{"chat_id": uuidToStr(chatID)})
	if err != nil {
		return 0, &registrystore.TransientError{Op: "count messages", Err: err}
	}
	return n, nil
}

// ── Drafts ────────────────────────────────────────────────────────────────────

func (s *MongoStore) GetDraft(ctx context.Context, chatID uuid.UUID, ownerID string) (*model.Draft, error) {
	var doc draftDoc
	err := s.drafts().FindOne(ctx, bson.M{"chat_id": uuidToStr(chatID), "owner_id": ownerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, &registrystore.TransientError{Op: "get draft", Err: err}
	}
	return doc.toModel(), nil
}

func (s *MongoStore) UpsertDraft(ctx context.Context, draft *model.Draft) (bool, error) {
	updated, err := s.updateDraft(ctx, draft)
	if err != nil || updated {
		return updated, err
	}
	// No row matched: either the draft does not exist yet, or the stored
	// version is already >= the incoming one. Try a fresh insert.
	doc := bson.M{
		"chat_id":           uuidToStr(draft.ChatID),
		"owner_id":          draft.OwnerID,
		"encrypted_content": draft.EncryptedContent,
		"cleared":           draft.Cleared,
		"version":           draft.Version,
		"last_edited_at":    draft.LastEditedAt,
	}
	_, err = s.drafts().InsertOne(ctx, doc)
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, &registrystore.TransientError{Op: "insert draft", Err: err}
	}
	// A concurrent writer inserted first, possibly with a version lower than
	// ours. Re-run the conditional update against the document that just
	// appeared; only a no-match there means the stored version actually won.
	return s.updateDraft(ctx, draft)
}

func (s *MongoStore) updateDraft(ctx context.Context, draft *model.Draft) (bool, error) {
	filter := bson.M{
		"chat_id":  uuidToStr(draft.ChatID),
		"owner_id": draft.OwnerID,
		"version":  bson.M{"$lt": draft.Version},
	}
	update := bson.M{
		"$set": bson.M{
			"encrypted_content": draft.EncryptedContent,
			"cleared":           draft.Cleared,
			"version":           draft.Version,
			"last_edited_at":    draft.LastEditedAt,
		},
	}
	res, err := s.drafts().UpdateOne(ctx, filter, update)
	if err != nil {
		return false, &registrystore.TransientError{Op: "upsert draft", Err: err}
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) ClearDraft(ctx context.Context, chatID uuid.UUID, ownerID string) error {
	_, err := s.drafts().DeleteOne(ctx, bson.M{"chat_id": uuidToStr(chatID), "owner_id": ownerID})
	if err != nil {
		return &registrystore.TransientError{Op: "clear draft", Err: err}
	}
	return nil
}

// ── Integrity ─────────────────────────────────────────────────────────────────

func (s *MongoStore) ScanCiphertexts(ctx context.Context, batchSize int, fn func(ref registrystore.CiphertextRef) error) error {
	findOpts := options.Find().SetBatchSize(int32(batchSize))

	cur, err := s.chats().Find(ctx, bson.M{"encrypted_title": bson.M{"$exists": true, "$ne": nil}}, findOpts)
	if err != nil {
		return &registrystore.TransientError{Op: "scan chat titles", Err: err}
	}
	for cur.Next(ctx) {
		var doc chatDoc
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return err
		}
		if err := fn(registrystore.CiphertextRef{Entity: "chat_title", Ref: doc.ID, Ciphertext: doc.EncryptedTitle}); err != nil {
			cur.Close(ctx)
			return err
		}
	}
	cur.Close(ctx)

	cur, err = s.messages().Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return &registrystore.TransientError{Op: "scan messages", Err: err}
	}
	for cur.Next(ctx) {
		var doc struct {
			ID               string `bson:"_id"`
			EncryptedContent []byte `bson:"encrypted_content"`
		}
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return err
		}
		if err := fn(registrystore.CiphertextRef{Entity: "message", Ref: doc.ID, Ciphertext: doc.EncryptedContent}); err != nil {
			cur.Close(ctx)
			return err
		}
	}
	cur.Close(ctx)

	cur, err = s.drafts().Find(ctx, bson.M{"encrypted_content": bson.M{"$exists": true, "$ne": nil}}, findOpts)
	if err != nil {
		return &registrystore.TransientError{Op: "scan drafts", Err: err}
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var doc draftDoc
		if err := cur.Decode(&doc); err != nil {
			return err
		}
		ref := fmt.Sprintf("%s/%s", doc.ChatID, doc.OwnerID)
		if err := fn(registrystore.CiphertextRef{Entity: "draft", Ref: ref, Ciphertext: doc.EncryptedContent}); err != nil {
			return err
		}
	}
	return cur.Err()
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

func (s *MongoStore) CreateTask(ctx context.Context, taskType string, taskBody map[string]any) error {
	doc := bson.M{
		"_id":         uuidToStr(uuid.New()),
		"task_type":   taskType,
		"task_body":   taskBody,
		"created_at":  time.Now(),
		"retry_at":    time.Now(),
		"retry_count": 0,
	}
	if _, err := s.tasks().InsertOne(ctx, doc); err != nil {
		return &registrystore.TransientError{Op: "create task", Err: err}
	}
	return nil
}

func (s *MongoStore) ClaimReadyTasks(ctx context.Context, limit, maxRetries int) ([]model.Task, error) {
	var tasks []model.Task
	now := time.Now()

	for i := 0; i < limit; i++ {
		filter := bson.M{
			"retry_at":    bson.M{"$lte": now},
			"retry_count": bson.M{"$lt": maxRetries},
		}
		// Pushing retry_at forward acts as the claim lease: a crashed worker's
		// task becomes claimable again when the lease lapses.
		update := bson.M{"$set": bson.M{"retry_at": now.Add(5 * time.Minute)}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc bson.M
		err := s.tasks().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return nil, &registrystore.TransientError{Op: "claim ready tasks", Err: err}
		}

		id, _ := doc["_id"].(string)
		taskType, _ := doc["task_type"].(string)
		task := model.Task{
			ID:       strToUUID(id),
			TaskType: taskType,
		}
		switch tb := doc["task_body"].(type) {
		case bson.M:
			task.TaskBody = map[string]any(tb)
		case map[string]any:
			task.TaskBody = tb
		default:
			task.TaskBody = map[string]any{}
		}
		switch rc := doc["retry_count"].(type) {
		case int32:
			task.RetryCount = int(rc)
		case int64:
			task.RetryCount = int(rc)
		case int:
			task.RetryCount = rc
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *MongoStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	if _, err := s.tasks().DeleteOne(ctx, bson.M{"_id": uuidToStr(taskID)}); err != nil {
		return &registrystore.TransientError{Op: "delete task", Err: err}
	}
	return nil
}

func (s *MongoStore) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	_, err := s.tasks().UpdateByID(ctx, uuidToStr(taskID), bson.M{
		"$set": bson.M{
			"retry_at":   time.Now().Add(retryDelay),
			"last_error": errMsg,
		},
		"$inc": bson.M{"retry_count": 1},
	})
	if err != nil {
		return &registrystore.TransientError{Op: "fail task", Err: err}
	}
	return nil
}

func (s *MongoStore) CountDeadTasks(ctx context.Context, maxRetries int) (int64, error) {
	n, err := s.tasks().CountDocuments(ctx, bson.M{"retry_count": bson.M{"$gte": maxRetries}})
	if err != nil {
		return 0, &registrystore.TransientError{Op: "count dead tasks", Err: err}
	}
	return n, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ── document shapes ───────────────────────────────────────────────────────────

type chatDoc struct {
	ID                 string     `bson:"_id"`
	OwnerID            string     `bson:"owner_id"`
	EncryptedTitle     []byte     `bson:"encrypted_title,omitempty"`
	TitleVersion       int64      `bson:"title_version"`
	MessagesVersion    int64      `bson:"messages_version"`
	ServerKeyReference string     `bson:"server_key_reference"`
	LastEditedAt       time.Time  `bson:"last_edited_at"`
	CreatedAt          time.Time  `bson:"created_at"`
	DeletedAt          *time.Time `bson:"deleted_at,omitempty"`
}

func chatDocFrom(rec *model.ChatRecord) chatDoc {
	return chatDoc{
		ID:                 uuidToStr(rec.ID),
		OwnerID:            rec.OwnerID,
		EncryptedTitle:     rec.EncryptedTitle,
		TitleVersion:       rec.TitleVersion,
		MessagesVersion:    rec.MessagesVersion,
		ServerKeyReference: rec.ServerKeyReference,
		LastEditedAt:       rec.LastEditedAt,
		CreatedAt:          rec.CreatedAt,
		DeletedAt:          rec.DeletedAt,
	}
}

func (d chatDoc) toModel() *model.ChatRecord {
	return &model.ChatRecord{
		ID:                 strToUUID(d.ID),
		OwnerID:            d.OwnerID,
		EncryptedTitle:     d.EncryptedTitle,
		TitleVersion:       d.TitleVersion,
		MessagesVersion:    d.MessagesVersion,
		ServerKeyReference: d.ServerKeyReference,
		LastEditedAt:       d.LastEditedAt,
		CreatedAt:          d.CreatedAt,
		DeletedAt:          d.DeletedAt,
	}
}

type draftDoc struct {
	ChatID           string    `bson:"chat_id"`
	OwnerID          string    `bson:"owner_id"`
	EncryptedContent []byte    `bson:"encrypted_content,omitempty"`
	Cleared          bool      `bson:"cleared"`
	Version          int64     `bson:"version"`
	LastEditedAt     time.Time `bson:"last_edited_at"`
}

func (d draftDoc) toModel() *model.Draft {
	return &model.Draft{
		ChatID:           strToUUID(d.ChatID),
		OwnerID:          d.OwnerID,
		EncryptedContent: d.EncryptedContent,
		Cleared:          d.Cleared,
		Version:          d.Version,
		LastEditedAt:     d.LastEditedAt,
	}
}

var _ registrystore.ChatStore = (*MongoStore)(nil)
