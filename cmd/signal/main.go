package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callmesh/internal/core/ports"
	httphandlers "callmesh/internal/handlers/http"
	"callmesh/internal/infrastructure/distributed"
	"callmesh/internal/infrastructure/middleware"
	"callmesh/internal/infrastructure/monitoring"
	signalinfra "callmesh/internal/infrastructure/signal"
	"callmesh/internal/infrastructure/turn"
	"callmesh/pkg/config"
	"callmesh/pkg/logger"
	"callmesh/pkg/tracing"
	"callmesh/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	}
	if *configPath != "" {
		configPaths = []string{*configPath}
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}
	if cfg.Signal.InstanceID == "" {
		cfg.Signal.InstanceID = utils.GenerateInstanceID()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar().With("instance_id", cfg.Signal.InstanceID)
	if err != nil {
		log.Warnw("Could not load config, using defaults", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	health := monitoring.NewHealthChecker()

	// Cross-instance routing
	var opts []signalinfra.ServerOption
	var redisClient *redis.Client
	var eventBus *distributed.EventBus
	var presence *distributed.PresenceRegistry
	var batchedPresence *distributed.BatchedPresence
	var cachedPresence *distributed.CachedPresence
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatalw("failed to connect to Redis", "error", err)
		}
		eventBus = distributed.NewEventBus(redisClient, cfg.Signal.InstanceID, log)
		presence = distributed.NewPresenceRegistry(redisClient, cfg.Signal.InstanceID, cfg.Signal.PresenceTTL, log)
		batchedPresence = distributed.NewBatchedPresence(presence, 256, time.Second, log)
		cachedPresence = distributed.NewCachedPresence(batchedPresence, 2*time.Second)
		opts = append(opts, signalinfra.WithPresence(cachedPresence), signalinfra.WithForwarder(eventBus))
		health.AddRedisCheck(redisClient, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}

	wsServer := signalinfra.NewWebSocketServer(signalinfra.ServerConfigFromSettings(cfg), collector, log, opts...)
	health.AddRelayCheck(func() int {
		_, connections := wsServer.Stats()
		return connections
	}, cfg.RateLimiting.WebSocket.MaxConcurrent, cfg.Monitoring.MetricsInterval, time.Second)

	if eventBus != nil {
		go func() {
			if err := eventBus.Relay(ctx, wsServer.Deliver); err != nil && ctx.Err() == nil {
				log.Errorw("Event bus relay stopped", "error", err)
			}
		}()
	}

	// Embedded TURN
	var turnServer *turn.Server
	if cfg.TURN.Enabled {
		turnServer = turn.NewServer(turn.ConfigFromSettings(cfg), log)
		if err := turnServer.Start(ctx); err != nil {
			log.Fatalw("failed to start TURN server", "error", err)
		}
		health.AddTURNCheck(turnServer.IsRunning, cfg.Monitoring.MetricsInterval, time.Second)
	}

	health.StartBackgroundChecks(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Monitoring.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rooms, _ := wsServer.Stats()
				collector.SetActiveRooms(rooms)
			}
		}
	}()

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var roomPresence ports.PresenceRegistry
	if cachedPresence != nil {
		roomPresence = cachedPresence
	}
	relayHandler := httphandlers.NewRelayHandler(wsServer, roomPresence, health, cfg.Signal.InstanceID, log)
	relayHandler.SetupRoutes(router, wsServer, middleware.NewWebSocketConnectionLimitMiddleware(cfg))

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	// WriteTimeout stays zero: hijacked websocket connections manage their own deadlines.
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting callmesh signaling relay on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down callmesh signaling relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Connections first so peers see a going-away close rather than a reset.
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error closing signaling connections", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		// Force close if graceful shutdown fails
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	stop()

	if turnServer != nil {
		if err := turnServer.Stop(); err != nil {
			log.Errorw("Error stopping TURN server", "error", err)
		}
	}
	if presence != nil {
		cachedPresence.Close()
		batchedPresence.Close()
		if err := presence.CleanupInstance(shutdownCtx); err != nil {
			log.Errorw("Error cleaning up presence", "error", err)
		}
	}
	if eventBus != nil {
		_ = eventBus.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("Error closing Redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("callmesh signaling relay stopped")
}
