package handler

import (
	"errors"
	"math"
	"strconv"

	"accountguard/middleware"
	"accountguard/model"
	"accountguard/services"
	"accountguard/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RespondError maps service errors onto the HTTP status contract. Anything
// unrecognised is a 500 and gets logged.
func RespondError(c *gin.Context, log *zap.Logger, err error) {
	var stepUp *services.StepUpRequiredError
	var limited *services.RateLimitedError

	switch {
	case errors.As(err, &stepUp):
		utils.Forbidden(c, "Step-up verification required", gin.H{
			"code":    "STEP_UP_REQUIRED",
			"action":  stepUp.Action,
			"methods": stepUp.Methods,
		})
	case errors.As(err, &limited):
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		utils.TooManyRequests(c, "Too many attempts, try again later", gin.H{
			"code":                "RATE_LIMITED",
			"scope":               limited.Scope,
			"retry_after_seconds": seconds,
		})
	case errors.Is(err, services.ErrUnauthenticated):
		utils.Unauthorized(c, "Authentication required")
	case errors.Is(err, services.ErrUnauthorized):
		utils.Forbidden(c, "Not allowed to access this resource")
	case errors.Is(err, services.ErrNotFound):
		utils.NotFound(c, "Resource not found")
	case errors.Is(err, services.ErrInvalidCode):
		utils.BadRequest(c, "Invalid code")
	case errors.Is(err, services.ErrProtectedField), errors.Is(err, model.ErrInvalidPatch):
		utils.BadRequest(c, err.Error())
	case errors.Is(err, services.ErrAlreadyEnrolled):
		utils.Conflict(c, "Factor already enrolled")
	case errors.Is(err, services.ErrNoVerificationMethods):
		// anomaly already logged by the policy engine
		utils.Forbidden(c, "No verification method is available for this account", gin.H{
			"code": "NO_VERIFICATION_METHODS",
		})
	default:
		utils.TrackError("http", "internal")
		log.Error("request failed",
			zap.String("request_id", middleware.RequestID(c)),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		utils.InternalError(c, "Internal server error")
	}
}
