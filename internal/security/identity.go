package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyOwnerID is the gin context key holding the caller's owner id.
const ContextKeyOwnerID = "ownerID"

// OwnerIDHeader carries the caller identity established by the gateway in
// front of this service. The gateway strips any client-supplied value.
const OwnerIDHeader = "X-Owner-Id"

// GetOwnerID returns the authenticated owner id from the gin context.
func GetOwnerID(c *gin.Context) string {
	return c.GetString(ContextKeyOwnerID)
}

// OwnerIDMiddleware extracts the owner id set by the upstream gateway and
// rejects requests that arrive without one.
func OwnerIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetHeader(OwnerIDHeader)
		if ownerID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing owner identity"})
			return
		}
		c.Set(ContextKeyOwnerID, ownerID)
		c.Next()
	}
}
