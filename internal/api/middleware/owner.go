package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/sourcescan/internal/logger"
)

// OwnerHeader identifies the account a request acts for.
const OwnerHeader = "X-Owner-ID"

const ownerKey = "owner"

// RequireOwner rejects requests without an owner header and scopes the
// request logger to the owner.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(OwnerHeader))
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": OwnerHeader + " header is required"})
			return
		}
		c.Set(ownerKey, owner)
		ctx := logger.WithField(c.Request.Context(), logger.FieldOwner, owner)
		c.Request = c.Request.WithContext(ctx)
		c.Set("logger", logger.FromContext(ctx))
		c.Next()
	}
}

// Owner returns the owner set by RequireOwner.
func Owner(c *gin.Context) string {
	return c.GetString(ownerKey)
}
