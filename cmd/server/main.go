package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/vtlabs/completion-gateway/internal/completion"
	"github.com/vtlabs/completion-gateway/internal/config"
	"github.com/vtlabs/completion-gateway/internal/distributed"
	"github.com/vtlabs/completion-gateway/internal/logger"
	"github.com/vtlabs/completion-gateway/internal/sse"
	"github.com/vtlabs/completion-gateway/internal/upstream"
	"github.com/vtlabs/completion-gateway/internal/usage"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	// Usage recording is optional; without a database the gateway streams
	// but records nothing.
	var usageService *usage.Service
	if cfg.UsageRecordingEnabled && cfg.DatabaseURL != "" {
		storage, err := usage.InitStorage(cfg.DatabaseURL, usage.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Minute,
			ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Minute,
		})
		if err != nil {
			log.Error("failed to initialize usage storage", slog.Any("error", err))
			os.Exit(1)
		}
		defer storage.Close()

		usageService = usage.NewService(storage, usage.Options{
			WorkerPoolSize: cfg.UsageWorkerPoolSize,
			BufferSize:     cfg.UsageBufferSize,
			Timeout:        time.Duration(cfg.UsageTimeoutSeconds) * time.Second,
		}, log)
	} else {
		log.Info("usage recording disabled")
	}

	registry := sse.NewRegistry(log)

	engine := upstream.NewEngine(upstream.Config{
		URL:     cfg.UpstreamURL,
		APIKey:  cfg.UpstreamAPIKey,
		Timeout: time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second,
	}, log)

	var recorder sse.Recorder
	if usageService != nil {
		recorder = usageService
	}

	orchestrator := sse.NewOrchestrator(sse.OrchestratorOptions{
		Registry:          registry,
		Workflow:          engine,
		Recorder:          recorder,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatJitter:   cfg.HeartbeatJitter,
	}, log)

	// Cross-instance aborts need NATS; without it aborts are local only.
	var nc *nats.Conn
	var abortService *distributed.AbortService
	if cfg.NatsURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Error("failed to connect to NATS", slog.Any("error", err))
			os.Exit(1)
		}
		defer nc.Close()

		abortService = distributed.NewAbortService(nc, registry, log)
		if err := abortService.Start(); err != nil {
			log.Error("failed to start distributed abort service", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		log.Info("NATS not configured, aborts are local only")
	}

	handler := completion.NewHandler(completion.HandlerOptions{
		Orchestrator:      orchestrator,
		Registry:          registry,
		Distributed:       abortService,
		MaxIterationsCap:  cfg.MaxIterationsCap,
		DefaultIterations: cfg.DefaultMaxIteration,
	}, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORSAllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "active_streams": registry.Len()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	handler.RegisterRoutes(api)

	// Janitor: sweep sessions whose streams outlived any plausible
	// generation.
	janitor := cron.New()
	if _, err := janitor.AddFunc(cfg.StaleSweepSchedule, func() {
		if swept := registry.SweepStale(cfg.StaleSessionMaxAge); swept > 0 {
			log.Warn("swept stale sessions", slog.Int("count", swept))
		}
	}); err != nil {
		log.Error("invalid stale sweep schedule",
			slog.String("schedule", cfg.StaleSweepSchedule),
			slog.Any("error", err))
		os.Exit(1)
	}
	janitor.Start()

	port := ":" + cfg.Port
	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	log.Info("completion gateway listening",
		slog.String("addr", port),
		slog.String("upstream", cfg.UpstreamURL))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	janitor.Stop()

	// Trigger every live session's cancellation token so streams drain and
	// emit their aborted terminal frames before the listener closes.
	if aborted := registry.AbortAll(); aborted > 0 {
		log.Info("aborted active sessions for shutdown", slog.Int("count", aborted))
	}

	if abortService != nil {
		if err := abortService.Stop(); err != nil {
			log.Error("failed to stop distributed abort service", slog.Any("error", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.Any("error", err))
	}

	if usageService != nil {
		usageService.Shutdown()
		log.Info("usage recording service shutdown complete")
	}

	log.Info("server exited")
}

// corsMiddleware allows the configured origins. Origins is a comma-separated
// list; "*" allows everything.
func corsMiddleware(origins string) gin.HandlerFunc {
	allowed := make(map[string]bool)
	allowAll := false
	for _, o := range strings.Split(origins, ",") {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		if o != "" {
			allowed[o] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-User-ID, X-Geo-Country, X-Geo-City")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
