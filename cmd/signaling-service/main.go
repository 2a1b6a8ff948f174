package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callrelay-backend/internal/database"
	callHandler "callrelay-backend/internal/handler/http/call"
	conversationHandler "callrelay-backend/internal/handler/http/conversation"
	presenceHandler "callrelay-backend/internal/handler/http/presence"
	pushHandler "callrelay-backend/internal/handler/http/push"
	wsHandler "callrelay-backend/internal/handler/ws"
	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/repository/cockroach"
	"callrelay-backend/internal/repository/memory"
	redisRepo "callrelay-backend/internal/repository/redis"
	"callrelay-backend/internal/service/authz"
	"callrelay-backend/internal/service/broadcast"
	callService "callrelay-backend/internal/service/call"
	"callrelay-backend/internal/service/registry"
	"callrelay-backend/internal/service/signaling"
	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/jwt"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/push"
	"callrelay-backend/pkg/resilience"
	"callrelay-backend/pkg/telemetry"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Background workers stop when ctx is cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Server.ServiceName, cfg.Tracing)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Connect to CockroachDB with retry, or run on in-memory stores
	var (
		callStore callService.Store
		convStore authz.ConversationLookup
	)
	db, err := database.ConnectWithRetry(ctx, &cfg.Database)
	if err != nil {
		logger.Warn("CockroachDB unavailable, running in limited mode without call persistence",
			zap.Error(err))
		callStore = memory.NewCallStore()
		convStore = memory.NewConversationStore()
	} else {
		defer db.Close()
		callRepo := cockroach.NewCallRepository(db.Pool)
		if err := callRepo.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to bootstrap call schema", zap.Error(err))
		}
		callStore = callRepo
		convStore = cockroach.NewConversationRepository(db.Pool)
	}

	// 3. Initialize Redis with degraded mode support
	redisDB := database.NewRedisDB(&cfg.Redis, appMetrics)
	defer redisDB.Close()
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, starting in degraded mode", zap.Error(err))
	} else {
		logger.Info("Connected to Redis")
	}
	redisDB.StartHealthCheck(ctx, cfg.Redis.HealthCheckInterval)

	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	go presenceRepo.Run(ctx)

	// 4. Initialize Push Service
	pushProvider, err := push.NewProvider(ctx, &cfg.Push)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	logger.Info("Push provider ready", zap.String("provider", pushProvider.Name()))
	pushBreaker := resilience.New("push_"+pushProvider.Name(), resilience.DefaultConfig(), appMetrics)
	pushSvc := push.NewService(push.NewResilientProvider(pushProvider, pushBreaker),
		redisRepo.NewPushTokenRepository(redisDB), appMetrics)

	// 5. Wire the relay core
	reg := registry.New(cfg.Signaling.RegistryShards)
	reg.SetPresenceObserver(presenceRepo)

	gate := authz.NewGate(convStore)
	broadcaster := broadcast.New(reg, gate, convStore, appMetrics)
	callSvc := callService.NewService(callStore, convStore, broadcaster, callService.NewPushNotifier(pushSvc), callService.Config{
		RingTimeout: cfg.Signaling.RingTimeout,
		Shards:      cfg.Signaling.CallShards,
		Metrics:     appMetrics,
	})
	gate.SetCallLookup(callSvc)
	if n, err := callSvc.Recover(ctx); err != nil {
		logger.Warn("Failed to recover open calls", zap.Error(err))
	} else if n > 0 {
		logger.Info("Recovered open calls", zap.Int("calls", n))
	}
	callSvc.StartEmptyCallSweep(ctx, cfg.Signaling.AuditInterval, cfg.Signaling.EmptyCallTimeout)

	router := signaling.NewRouter(callSvc, reg, signaling.Config{
		AllowWhileCalling: cfg.Signaling.AllowSignalWhileCalling,
		Metrics:           appMetrics,
	})
	broadcaster.StartAudit(ctx, cfg.Signaling.AuditInterval)

	rateLimiter := middleware.NewRateLimiter(redisDB, cfg.Signaling.SignalRateLimit, cfg.Signaling.SignalRateWindow, appMetrics)

	hub := wsHandler.NewSignalingHub(reg, broadcaster, router, wsHandler.HubConfig{
		SendQueueSize:  cfg.Signaling.SendQueueSize,
		MaxConnections: cfg.Signaling.MaxConnections,
		ReadLimit:      cfg.Signaling.ReadLimit,
		WriteTimeout:   cfg.Signaling.WriteTimeout,
		PongWait:       cfg.Signaling.PongWait,
		PingInterval:   cfg.Signaling.PingInterval,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Metrics:        appMetrics,
	})
	hub.SetLimiter(rateLimiter)
	hub.SetPresence(presenceRepo)

	// 6. Initialize Handlers
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.AccessTokenExpiry)
	callHdlr := callHandler.NewHandler(callSvc, router)
	conversationHdlr := conversationHandler.NewHandler(broadcaster, reg)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	presenceHdlr := presenceHandler.NewHandler(reg, presenceRepo)

	// 7. Setup Gin Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	// Apply global middleware
	engine.Use(middleware.Recovery())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	engine.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))
	engine.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))
	engine.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	engine.GET("/health", func(c *gin.Context) {
		status := "healthy"
		if redisDB.IsDegraded() {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"service":      cfg.Server.ServiceName,
			"persistent":   db != nil,
			"registry":     reg.Stats(),
			"active_calls": callSvc.ActiveCount(),
			"time":         time.Now().UTC(),
		})
	})

	// Metrics endpoint (for Prometheus scraping)
	engine.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB)))
	{
		callHdlr.RegisterRoutes(v1.Group("/calls"), rateLimiter.Middleware("signal"))
		conversationHdlr.RegisterRoutes(v1.Group("/conversations"))
		pushHdlr.RegisterRoutes(v1.Group("/push/tokens"))
		v1.GET("/presence/:user_id", presenceHdlr.GetPresence)

		// WebSocket endpoint for signaling and channel events
		v1.GET("/ws", hub.ServeWS)
	}

	// 8. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
			zap.Bool("persistent", db != nil))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	// Hijacked WebSocket connections are not tracked by http.Server
	reg.CloseAll()
	callSvc.Shutdown()
	cancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Failed to flush traces", zap.Error(err))
	}

	logger.Info("Server exited")
}
