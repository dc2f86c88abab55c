package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accountguard/config"
	"accountguard/handler"
	"accountguard/logger"
	"accountguard/repository"
	"accountguard/repository/memstore"
	"accountguard/services"
	"accountguard/utils"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// .env is optional outside development
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New("production", "error").Fatal("failed to load configuration", zap.Error(err))
	}
	log := logger.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	if envErr != nil && cfg.Env == "development" {
		log.Warn("no .env file loaded", zap.Error(envErr))
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := utils.InitValidator(); err != nil {
		log.Fatal("failed to register validators", zap.Error(err))
	}
	if err := utils.RegisterSystemMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Warn("system metrics not registered", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var checks []handler.HealthCheck

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = services.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks = append(checks, handler.HealthCheck{Name: "redis", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	var stores services.Stores
	switch cfg.StoreDriver {
	case config.StoreMongo:
		client, err := utils.NewMongoClient(ctx, cfg.Database.Settings())
		if err != nil {
			log.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(shutdownCtx)
		}()

		db := client.Database(cfg.Database.DatabaseName)
		if err := repository.SetupIndexes(ctx, db, log); err != nil {
			log.Fatal("failed to set up indexes", zap.Error(err))
		}

		var cache *services.SessionCache
		if redisClient != nil {
			cache = services.NewSessionCache(redisClient)
		}
		stores = repository.NewMongoStores(db, cache, log)
		checks = append(checks, handler.HealthCheck{Name: "mongo", Ping: func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}})
	default:
		log.Warn("using in-memory stores; state is lost on restart")
		stores = repository.NewMemoryStores(memstore.New())
	}

	var (
		limiter   services.RateLimiter
		blacklist services.TokenBlacklist
	)
	if redisClient != nil {
		limiter = services.NewRedisRateLimiter(redisClient)
		blacklist = services.NewRedisTokenBlacklist(redisClient)
	} else {
		limiter = services.NewMemoryRateLimiter(nil)
		blacklist = services.NewMemoryTokenBlacklist()
	}

	var notifier services.Notifier
	if cfg.NATS.URL != "" {
		conn, err := services.ConnectNATS(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer conn.Drain()
		notifier = services.NewNATSNotifier(conn, cfg.NATS.SubjectPrefix)
		checks = append(checks, handler.HealthCheck{Name: "nats", Ping: conn.FlushWithContext})
	} else {
		notifier = services.NewLogNotifier(log)
	}

	clock := utils.RealClock{}
	identity := services.NewJWTIdentityProvider(cfg.JWT.SecretKey, cfg.JWT.Issuer, stores.Users, blacklist)
	audit := services.NewAuditLog(stores.Events, clock, log)
	scorer := services.NewTrustScorer(cfg.Trust)
	sessions := services.NewDeviceSessionService(stores, scorer, audit, notifier, identity, clock, cfg, log)
	policy := services.NewPolicyEngine(stores, audit, clock, cfg, log)
	backup := services.NewBackupCodeGenerator(stores.BackupCodes, audit, clock, cfg.Verify, log)
	dispatcher := services.NewDispatcher(stores, identity, limiter, policy, backup, audit, notifier, clock, cfg, log)
	enrollment := services.NewEnrollmentService(stores, dispatcher, backup, audit, notifier, clock, cfg, log)

	router := handler.SetupRouter(handler.RouterDeps{
		Config:     cfg,
		Identity:   identity,
		Sessions:   sessions,
		Policy:     policy,
		Dispatcher: dispatcher,
		Enrollment: enrollment,
		Health:     handler.NewHealthHandler(log, checks...),
		Log:        log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	log.Info("server shutdown complete")
}
