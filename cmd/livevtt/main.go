package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/bridge"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/cache"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/config"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/filter"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/router"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/source"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/tracing"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize tracing
	tracer, err := tracing.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer tracer.Close()

	// Load filters and vocabulary
	filters, err := filter.Load(cfg.Filters.FilterFile, cfg.Filters.VocabularyFile, logger)
	if err != nil {
		logger.Fatalf("Failed to load filters: %v", err)
	}
	if cfg.Filters.Watch {
		filters.Watch()
	}

	// Stream health is shared through redis when it is configured
	var health router.HealthPublisher
	if cfg.Redis.Enabled {
		c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.WarnWithErr("Redis unavailable, stream health will not be published", err)
		} else {
			defer c.Close()
			health = c
		}
	}

	engine := source.NewWhisperEngine(cfg.Engine, logger)
	if err := engine.Health(context.Background()); err != nil {
		logger.WarnWithErr("Speech engine is not reachable yet", err)
	}

	manager := router.NewManager(router.ManagerDeps{
		Config:  cfg,
		Engine:  engine,
		Filters: filters,
		Health:  health,
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.OpenConfigured(ctx); err != nil {
		logger.Fatalf("Failed to open configured streams: %v", err)
	}
	go manager.Run(ctx)

	// Start metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Infof("Starting metrics server on %s", metricsServer.Addr())
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
	}

	captions := bridge.NewServer(cfg, manager, filters, logger)
	if limiter := captions.Limiter(); limiter != nil {
		go limiter.Cleanup(ctx)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      captions.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting caption server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Graceful shutdown
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.WarnWithErr("Streams closed with errors", err)
	}
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WarnWithErr("Metrics server forced to shutdown", err)
		}
	}

	logger.Info("Server stopped")
}
