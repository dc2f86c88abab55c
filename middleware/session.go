package middleware

import (
	"errors"
	"net/http"

	"accountguard/config"
	"accountguard/model"
	"accountguard/services"
	"accountguard/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DeviceSessionMiddleware resolves the device-session cookie for the
// authenticated caller. A stale or foreign cookie is cleared and the request
// continues without a device session.
func DeviceSessionMiddleware(sessions *services.DeviceSessionService, cfg config.SessionConfig, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := CurrentIdentity(c)
		token, err := c.Cookie(cfg.CookieName)
		if caller == nil || err != nil || token == "" {
			c.Next()
			return
		}

		session, err := sessions.Resolve(c.Request.Context(), caller, token)
		switch {
		case errors.Is(err, services.ErrNotFound):
			ClearSessionCookie(c, cfg)
			c.Next()
			return
		case err != nil:
			log.Error("failed to resolve device session", zap.String("request_id", RequestID(c)), zap.Error(err))
			utils.InternalError(c, "Failed to resolve device session")
			c.Abort()
			return
		}

		if err := sessions.Touch(c.Request.Context(), session); err != nil {
			utils.TrackError("database", "session_touch_failed")
			log.Warn("failed to touch device session", zap.String("session_id", session.SessionID), zap.Error(err))
		}

		c.Set(deviceSessionKey, session)
		c.Next()
	}
}

// RequireDeviceSession rejects requests that carry no live device session.
func RequireDeviceSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentDeviceSession(c) == nil {
			utils.NotFound(c, "Device session not found")
			c.Abort()
			return
		}
		c.Next()
	}
}

// SetSessionCookie binds the raw token to the browser. Client script can never
// read it.
func SetSessionCookie(c *gin.Context, cfg config.SessionConfig, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cfg.CookieName, token, int(cfg.Duration.Seconds()), "/", cfg.CookieDomain, cfg.Secure, true)
}

func ClearSessionCookie(c *gin.Context, cfg config.SessionConfig) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cfg.CookieName, "", -1, "/", cfg.CookieDomain, cfg.Secure, true)
}

// SessionFromContext is a shorthand used by handlers that only run behind
// RequireDeviceSession.
func SessionFromContext(c *gin.Context) (*model.Identity, *model.DeviceSession) {
	return CurrentIdentity(c), CurrentDeviceSession(c)
}
