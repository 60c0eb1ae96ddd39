package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chirino/chat-state-service/internal/envelope"
	"github.com/chirino/chat-state-service/internal/model"
	registrykeys "github.com/chirino/chat-state-service/internal/registry/keys"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
)

// fakeStore is an in-memory ChatStore with the same conditional-write
// semantics as the real plugins.
type fakeStore struct {
	mu       sync.Mutex
	chats    map[uuid.UUID]*model.ChatRecord
	messages map[uuid.UUID]*model.Message
	drafts   map[string]*model.Draft
	tasks    map[uuid.UUID]*model.Task

	// Error injection hooks.
	updateTitleErr error
	getChatBlocks  bool
	getChatNilOnce bool

	// draftInsertRace runs once after the conditional draft update misses and
	// before the insert — the window where another connection's insert can
	// land first against a real store.
	draftInsertRace func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    map[uuid.UUID]*model.ChatRecord{},
		messages: map[uuid.UUID]*model.Message{},
		drafts:   map[string]*model.Draft{},
		tasks:    map[uuid.UUID]*model.Task{},
	}
}

func draftKey(chatID uuid.UUID, ownerID string) string {
	return chatID.String() + "/" + ownerID
}

func (s *fakeStore) GetChat(ctx context.Context, chatID uuid.UUID) (*model.ChatRecord, error) {
	if s.getChatBlocks {
		<-ctx.Done()
		return nil, &registrystore.TransientError{Op: "get-chat", Err: ctx.Err()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getChatNilOnce {
		s.getChatNilOnce = false
		return nil, nil
	}
	rec, ok := s.chats[chatID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) CreateChat(_ context.Context, rec *model.ChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[rec.ID]; ok {
		return &registrystore.ConflictError{Resource: "chat", ID: rec.ID.String()}
	}
	cp := *rec
	s.chats[rec.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateChatTitle(_ context.Context, chatID uuid.UUID, encryptedTitle []byte, version int64, editedAt time.Time) (bool, error) {
	if s.updateTitleErr != nil {
		return false, s.updateTitleErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return false, &registrystore.NotFoundError{Resource: "chat", ID: chatID.String()}
	}
	if version <= rec.TitleVersion {
		return false, nil
	}
	rec.EncryptedTitle = encryptedTitle
	rec.TitleVersion = version
	rec.LastEditedAt = editedAt
	return true, nil
}

func (s *fakeStore) SetMessagesVersion(_ context.Context, chatID uuid.UUID, version int64, editedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return false, &registrystore.NotFoundError{Resource: "chat", ID: chatID.String()}
	}
	if version <= rec.MessagesVersion {
		return false, nil
	}
	rec.MessagesVersion = version
	rec.LastEditedAt = editedAt
	return true, nil
}

func (s *fakeStore) InsertMessage(_ context.Context, msg *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return false, nil
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return true, nil
}

func (s *fakeStore) CountMessages(_ context.Context, chatID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.ChatID == chatID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) GetDraft(_ context.Context, chatID uuid.UUID, ownerID string) (*model.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[draftKey(chatID, ownerID)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

// UpsertDraft mirrors the real stores' two-phase shape: conditional update,
// then insert, then a re-run of the update when the insert hits a duplicate.
func (s *fakeStore) UpsertDraft(_ context.Context, draft *model.Draft) (bool, error) {
	if s.updateDraft(draft) {
		return true, nil
	}
	if race := s.draftInsertRace; race != nil {
		s.draftInsertRace = nil
		race()
	}
	s.mu.Lock()
	key := draftKey(draft.ChatID, draft.OwnerID)
	if _, ok := s.drafts[key]; !ok {
		cp := *draft
		s.drafts[key] = &cp
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()
	// Duplicate key: a concurrent writer inserted first, possibly with a
	// lower version. The conditional update decides, not the duplicate.
	return s.updateDraft(draft), nil
}

func (s *fakeStore) updateDraft(draft *model.Draft) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := draftKey(draft.ChatID, draft.OwnerID)
	existing, ok := s.drafts[key]
	if !ok || existing.Version >= draft.Version {
		return false
	}
	cp := *draft
	s.drafts[key] = &cp
	return true
}

func (s *fakeStore) ClearDraft(_ context.Context, chatID uuid.UUID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, draftKey(chatID, ownerID))
	return nil
}

func (s *fakeStore) ScanCiphertexts(_ context.Context, _ int, fn func(ref registrystore.CiphertextRef) error) error {
	s.mu.Lock()
	var refs []registrystore.CiphertextRef
	for _, c := range s.chats {
		if len(c.EncryptedTitle) > 0 {
			refs = append(refs, registrystore.CiphertextRef{Entity: "chat_title", Ref: c.ID.String(), Ciphertext: c.EncryptedTitle})
		}
	}
	for _, m := range s.messages {
		refs = append(refs, registrystore.CiphertextRef{Entity: "message", Ref: m.ID.String(), Ciphertext: m.EncryptedContent})
	}
	for _, d := range s.drafts {
		if len(d.EncryptedContent) > 0 {
			refs = append(refs, registrystore.CiphertextRef{Entity: "draft", Ref: d.ChatID.String(), Ciphertext: d.EncryptedContent})
		}
	}
	s.mu.Unlock()
	for _, ref := range refs {
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) CreateTask(_ context.Context, taskType string, taskBody map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.tasks[id] = &model.Task{
		ID:        id,
		TaskType:  taskType,
		TaskBody:  taskBody,
		CreatedAt: time.Now(),
		RetryAt:   time.Now(),
	}
	return nil
}

func (s *fakeStore) ClaimReadyTasks(_ context.Context, limit, maxRetries int) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []model.Task
	for _, t := range s.tasks {
		if len(out) >= limit {
			break
		}
		if t.RetryCount >= maxRetries || t.RetryAt.After(now) {
			continue
		}
		t.RetryAt = now.Add(5 * time.Minute)
		out = append(out, *t)
	}
	return out, nil
}

func (s *fakeStore) DeleteTask(_ context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *fakeStore) FailTask(_ context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return &registrystore.NotFoundError{Resource: "task", ID: taskID.String()}
	}
	t.RetryCount++
	t.LastError = &errMsg
	t.RetryAt = time.Now().Add(retryDelay)
	return nil
}

func (s *fakeStore) CountDeadTasks(_ context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.RetryCount >= maxRetries {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Close(context.Context) error { return nil }

func (s *fakeStore) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *fakeStore) tasksOfType(taskType string) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.TaskType == taskType {
			out = append(out, *t)
		}
	}
	return out
}

var _ registrystore.ChatStore = (*fakeStore)(nil)

// fakeKeyProvider hands out deterministic key references.
type fakeKeyProvider struct {
	domain       envelope.Domain
	createKeyErr error
	created      []string
}

func (p *fakeKeyProvider) ID() string              { return "fake" }
func (p *fakeKeyProvider) Domain() envelope.Domain { return p.domain }

func (p *fakeKeyProvider) CreateKey(_ context.Context, id string) (string, error) {
	if p.createKeyErr != nil {
		return "", p.createKeyErr
	}
	ref := fmt.Sprintf("%s/%s", p.domain, id)
	p.created = append(p.created, ref)
	return ref, nil
}

func (p *fakeKeyProvider) Encrypt(_ context.Context, plaintext []byte, _ string) ([]byte, error) {
	return envelope.Seal(p.domain, nil, plaintext)
}

func (p *fakeKeyProvider) Decrypt(_ context.Context, ciphertext []byte, _ string) ([]byte, error) {
	_, inner, err := envelope.Open(ciphertext)
	return inner, err
}

var _ registrykeys.Provider = (*fakeKeyProvider)(nil)
