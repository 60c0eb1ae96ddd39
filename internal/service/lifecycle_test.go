package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chirino/chat-state-service/internal/model"
)

func TestEnsureChatCreatesKeyBeforeRecord(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()

	rec, err := e.lifecycle.EnsureChatExists(ctx, chatID, "alice")
	require.NoError(t, err)
	require.Equal(t, "server/"+chatID.String(), rec.ServerKeyReference)
	require.Zero(t, rec.TitleVersion)
	require.Zero(t, rec.MessagesVersion)
}

func TestEnsureChatFailsWhenKeyProvisioningFails(t *testing.T) {
	e := newEnv()
	e.serverKeys.createKeyErr = fmt.Errorf("transit engine unreachable")
	ctx := context.Background()
	chatID := uuid.New()

	// No chat may exist without a valid key reference.
	_, err := e.lifecycle.EnsureChatExists(ctx, chatID, "alice")
	require.Error(t, err)

	rec, err := e.store.GetChat(ctx, chatID)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestEnsureChatIsIdempotent(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()

	first, err := e.lifecycle.EnsureChatExists(ctx, chatID, "alice")
	require.NoError(t, err)
	second, err := e.lifecycle.EnsureChatExists(ctx, chatID, "alice")
	require.NoError(t, err)
	require.Equal(t, first.ServerKeyReference, second.ServerKeyReference)
	require.Len(t, e.serverKeys.created, 1)
}

func TestEnsureChatConvergesOnCreateConflict(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	chatID := uuid.New()

	// Another writer wins the create race: the initial read misses, the
	// create conflicts, and the re-read returns their record.
	err := e.store.CreateChat(ctx, &model.ChatRecord{
		ID: chatID, OwnerID: "bob",
		ServerKeyReference: "server/theirs",
		LastEditedAt:       time.Now(), CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	e.store.getChatNilOnce = true

	rec, err := e.lifecycle.EnsureChatExists(ctx, chatID, "alice")
	require.NoError(t, err)
	require.Equal(t, "bob", rec.OwnerID)
	require.Equal(t, "server/theirs", rec.ServerKeyReference)
}
