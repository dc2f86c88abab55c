package middleware

import (
	"accountguard/model"

	"github.com/gin-gonic/gin"
)

const (
	identityKey      = "identity"
	deviceSessionKey = "device_session"
	requestIDKey     = "request_id"
)

// CurrentIdentity returns the caller set by AuthMiddleware, or nil.
func CurrentIdentity(c *gin.Context) *model.Identity {
	if v, ok := c.Get(identityKey); ok {
		if identity, ok := v.(*model.Identity); ok {
			return identity
		}
	}
	return nil
}

// CurrentDeviceSession returns the session resolved from the cookie, or nil.
func CurrentDeviceSession(c *gin.Context) *model.DeviceSession {
	if v, ok := c.Get(deviceSessionKey); ok {
		if session, ok := v.(*model.DeviceSession); ok {
			return session
		}
	}
	return nil
}

func RequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
