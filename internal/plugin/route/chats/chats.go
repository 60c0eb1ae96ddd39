package chats

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/chirino/chat-state-service/internal/envelope"
	registrycache "github.com/chirino/chat-state-service/internal/registry/cache"
	registryroute "github.com/chirino/chat-state-service/internal/registry/route"
	registrystore "github.com/chirino/chat-state-service/internal/registry/store"
	"github.com/chirino/chat-state-service/internal/security"
	"github.com/chirino/chat-state-service/internal/service"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts chat state routes on the given engine.
// Called after store initialization so the services are available.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, cache registrycache.ChatCache, lifecycle *service.ChatLifecycleManager, flusher *service.LogoutFlusher) {
	g := r.Group("/v1", security.OwnerIDMiddleware())

	g.GET("/chats/:chatId", func(c *gin.Context) {
		getChat(c, store)
	})
	g.POST("/chats/:chatId/ensure", func(c *gin.Context) {
		ensureChat(c, lifecycle)
	})
	g.POST("/chats/:chatId/draft/flush", func(c *gin.Context) {
		flushDraft(c, flusher)
	})
	g.DELETE("/chats/:chatId/draft", func(c *gin.Context) {
		clearDraft(c, store, cache)
	})
}

func getChat(c *gin.Context, store registrystore.ChatStore) {
	chatID, ok := pathChatID(c)
	if !ok {
		return
	}
	chat, err := store.GetChat(c.Request.Context(), chatID)
	if err != nil {
		handleError(c, err)
		return
	}
	if chat == nil || chat.OwnerID != security.GetOwnerID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return
	}
	c.JSON(http.StatusOK, chat)
}

func ensureChat(c *gin.Context, lifecycle *service.ChatLifecycleManager) {
	chatID, ok := pathChatID(c)
	if !ok {
		return
	}
	chat, err := lifecycle.EnsureChatExists(c.Request.Context(), chatID, security.GetOwnerID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func flushDraft(c *gin.Context, flusher *service.LogoutFlusher) {
	chatID, ok := pathChatID(c)
	if !ok {
		return
	}
	flushed, err := flusher.FlushDraftOnLogout(c.Request.Context(), security.GetOwnerID(c), chatID)
	if err != nil {
		// Logout proceeds regardless; report the outcome without failing it.
		c.JSON(http.StatusAccepted, gin.H{"flushed": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": flushed})
}

func clearDraft(c *gin.Context, store registrystore.ChatStore, cache registrycache.ChatCache) {
	chatID, ok := pathChatID(c)
	if !ok {
		return
	}
	if err := service.ClearDraft(c.Request.Context(), store, cache, security.GetOwnerID(c), chatID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func pathChatID(c *gin.Context) (uuid.UUID, bool) {
	chatID, err := uuid.Parse(c.Param("chatId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid chat id"})
		return uuid.Nil, false
	}
	return chatID, true
}

func handleError(c *gin.Context, err error) {
	var dvErr *envelope.DomainViolationError
	switch {
	case registrystore.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case registrystore.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case registrystore.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store temporarily unavailable"})
	case errors.As(err, &dvErr):
		c.JSON(http.StatusInternalServerError, gin.H{"code": "domain_violation", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
