package main

import (
	"context"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wavelink-backend/internal/config"
	"wavelink-backend/internal/database"
	"wavelink-backend/internal/handler/http/history"
	wsHandler "wavelink-backend/internal/handler/ws"
	"wavelink-backend/internal/middleware"
	"wavelink-backend/internal/repository/cockroach"
	redisRepo "wavelink-backend/internal/repository/redis"
	"wavelink-backend/internal/service/block"
	"wavelink-backend/internal/service/call"
	"wavelink-backend/internal/service/presence"
	"wavelink-backend/internal/service/registry"
	"wavelink-backend/internal/service/router"
	"wavelink-backend/pkg/jwt"
	"wavelink-backend/pkg/logger"
	"wavelink-backend/pkg/push"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	cfg := config.Load()
	ctx := context.Background()

	// 1. JWT manager for handshake authentication
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWTSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWTSecret, 15*time.Minute)

	// 2. Connect to CockroachDB with exponential backoff retry
	db := connectDB(ctx, cfg)
	defer db.Pool.Close()

	directoryRepo := cockroach.NewDirectoryRepository(db.Pool)
	callRepo := cockroach.NewCallRepository(db.Pool)

	// 3. Redis for the presence mirror and push tokens. Optional: the
	// service signals fine without it, sibling services just lose the
	// presence view and push delivery.
	var presenceMirror presence.Mirror
	var notifier call.Notifier
	redisClient, err := database.NewRedisClient(&database.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 10,
	})
	if err != nil {
		logger.Warn("Redis unavailable, presence mirror and push disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		presenceMirror = redisRepo.NewPresenceRepository(redisClient)

		pushProvider, err := push.NewProvider()
		if err != nil {
			logger.Warn("Push provider initialization failed, push disabled", zap.Error(err))
		} else {
			notifier = push.NewDispatcher(pushProvider, redisRepo.NewPushTokenRepository(redisClient))
		}
	}

	// 4. Core services
	reg := registry.NewService()
	guard := block.NewService(directoryRepo, cfg.BlockCacheTTL)
	presenceSvc := presence.NewService(reg, guard, directoryRepo, presenceMirror, cfg.OfflineDebounce)
	callSvc := call.NewService(reg, guard, callRepo, notifier, cfg.RingTimeout)

	rt := router.NewService(reg, presenceSvc, callSvc)
	presenceSvc.SetDispatcher(rt)
	callSvc.SetDispatcher(rt)

	// Registration order matters: calls must observe the disconnect
	// before presence starts its debounce window.
	reg.AddListener(callSvc)
	reg.AddListener(presenceSvc)

	go rt.Run()

	// 5. HTTP router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.SetTrustedProxies(nil)

	engine.Use(middleware.Recovery())
	engine.Use(middleware.CORSMiddleware())
	engine.Use(middleware.PrometheusMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "realtime-service",
			"time":    time.Now().UTC(),
		})
	})
	engine.GET("/metrics", middleware.MetricsHandler())

	realtimeHdlr := wsHandler.NewRealtimeHandler(reg, rt)
	engine.GET("/v1/realtime/ws", middleware.AuthMiddleware(jwtManager), realtimeHdlr.ServeWS)

	historyHdlr := history.NewHandler(callRepo)
	engine.GET("/v1/calls/history", middleware.AuthMiddleware(jwtManager), historyHdlr.GetCalls)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Realtime service listening", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 6. Graceful shutdown: stop accepting, force-end live calls so
	// history is written, then drop all connections.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down realtime service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	rt.Stop()
	callSvc.Shutdown(shutdownCtx)
	presenceSvc.Shutdown()
	reg.Shutdown()

	logger.Info("Realtime service stopped")
}

// connectDB dials CockroachDB, retrying with exponential backoff. The
// call history store is required: signaling without durable terminal
// records is not an acceptable mode.
func connectDB(ctx context.Context, cfg *config.Config) *database.DB {
	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := database.NewDB(ctx, cfg.DBConnectionString(), nil)
	if err == nil {
		logger.Info("Connected to CockroachDB")
		return db
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt-1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)

		db, err = database.NewDB(ctx, cfg.DBConnectionString(), nil)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db
		}
	}

	logger.Fatal("Failed to connect to CockroachDB", zap.Int("attempts", maxRetries), zap.Error(err))
	return nil
}
