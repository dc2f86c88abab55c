package handler

import (
	"accountguard/config"
	"accountguard/middleware"
	"accountguard/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps is everything the HTTP layer needs from main.
type RouterDeps struct {
	Config     config.Config
	Identity   services.IdentityProvider
	Sessions   *services.DeviceSessionService
	Policy     *services.PolicyEngine
	Dispatcher *services.Dispatcher
	Enrollment *services.EnrollmentService
	Health     *HealthHandler
	Log        *zap.Logger
}

func SetupRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	cfg := deps.Config

	router.Use(
		middleware.RecoveryMiddleware(deps.Log),
		middleware.RequestTracingMiddleware(),
		middleware.AccessLogMiddleware(deps.Log),
		middleware.MetricsMiddleware(),
		middleware.CORSMiddleware(cfg.HTTP.AllowedOrigins),
		middleware.SecurityHeaders(),
		middleware.RequestSizeLimiter(cfg.HTTP.MaxBodyBytes),
	)

	router.GET("/health", deps.Health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sessions := NewDeviceSessionHandler(deps.Sessions, deps.Policy, deps.Dispatcher, cfg.Session, deps.Log)
	verify := NewVerificationHandler(deps.Policy, deps.Dispatcher, deps.Log)
	twoFactor := NewTwoFactorHandler(deps.Enrollment, deps.Policy, deps.Dispatcher, deps.Log)

	limiter := middleware.NewIPRateLimiter(float64(cfg.HTTP.RequestsPerSec), cfg.HTTP.Burst)

	api := router.Group("/api")
	api.Use(
		limiter.Middleware(),
		middleware.NoStore(),
		middleware.RequireJSON(),
		middleware.AuthMiddleware(deps.Identity, deps.Log),
		middleware.DeviceSessionMiddleware(deps.Sessions, cfg.Session, deps.Log),
	)
	{
		ds := api.Group("/device-sessions")
		{
			ds.POST("", sessions.Create)
			ds.GET("", sessions.List)
			ds.GET("/current", sessions.Current)
			ds.PATCH("/:id", sessions.Update)
			ds.DELETE("/:id", sessions.Revoke)
			ds.DELETE("", sessions.RevokeAll)
		}

		v := api.Group("/verify", middleware.RequireDeviceSession())
		{
			v.GET("/methods", verify.Methods)
			v.POST("/challenge", verify.Challenge)
			v.POST("/email-code", verify.EmailCode)
			v.POST("", verify.Verify)
		}

		tf := api.Group("/2fa", middleware.RequireDeviceSession())
		{
			tf.POST("/enroll", twoFactor.Enroll)
			tf.POST("/disable", twoFactor.Disable)
		}
	}

	return router
}
