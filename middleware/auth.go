package middleware

import (
	"strings"

	"accountguard/services"
	"accountguard/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthMiddleware resolves the bearer token through the identity provider and
// stores the caller in the context.
func AuthMiddleware(identity services.IdentityProvider, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			utils.Unauthorized(c, "Missing or invalid token")
			c.Abort()
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		caller, err := identity.GetCurrentUser(c.Request.Context(), tokenString)
		if err != nil {
			utils.TrackError("auth", "invalid_token")
			log.Debug("rejected primary token", zap.String("request_id", RequestID(c)), zap.Error(err))
			utils.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(identityKey, caller)
		c.Set("user_id", caller.ID)
		c.Next()
	}
}
