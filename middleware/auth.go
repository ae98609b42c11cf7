package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/config"
)

const UserIDKey = "user_id"

const revokedPrefix = "revoked:"

// Auth validates the Bearer JWT and rejects revoked token IDs.
// Streaming endpoints that cannot set headers may pass ?token= instead.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		tokenStr := bearerToken(ctx)
		if tokenStr == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := ParseToken(tokenStr, sec.JWTSecret)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if claims.ID != "" {
			cacheCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
			defer cancel()
			revoked, err := c.Exists(cacheCtx, revokedPrefix+claims.ID)
			if err != nil || revoked {
				ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
				return
			}
		}

		ctx.Set(UserIDKey, claims.UserID)
		ctx.Next()
	}
}

func bearerToken(ctx *gin.Context) string {
	if header := ctx.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ctx.Query("token")
}

// RevokeToken blocks a token ID until its natural expiry.
func RevokeToken(ctx context.Context, c cache.Cache, tokenID string, ttl time.Duration) error {
	return c.Set(ctx, revokedPrefix+tokenID, "1", ttl)
}

// GetUserID retrieves the authenticated user ID from the Gin context.
func GetUserID(c *gin.Context) string {
	if v, exists := c.Get(UserIDKey); exists {
		return v.(string)
	}
	return ""
}
