package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/api"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/auth"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/config"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/crypto"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/health"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/middleware"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/ratelimit"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/registry"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/router"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/session"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/store"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/tracing"
)

const serviceName = "p2p-conference"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (Optional) ---
	var tp *sdktrace.TracerProvider
	if cfg.OtelCollectorAddr != "" {
		tp, err = tracing.InitTracer(context.Background(), serviceName, cfg.OtelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
			tp = nil
		} else {
			slog.Info("✅ Tracing initialized", "collector", cfg.OtelCollectorAddr)
		}
	}

	// --- Access Tokens ---
	tokens, err := auth.NewService(cfg.SecretKey, cfg.TokenAlgorithm, cfg.AccessTokenExpiry)
	if err != nil {
		slog.Error("Failed to create token service", "error", err)
		os.Exit(1)
	}

	// --- Durable Store (Optional) ---
	// Rooms, chat, and whiteboard history persist when the KV store is up.
	// Without it every feature still works; history is just not durable.
	var kv *store.Service
	if cfg.KVEnabled {
		kv, err = store.NewService(cfg.KVURL, cfg.KVPassword)
		if err != nil {
			slog.Error("Failed to connect to KV store, running without persistence", "error", err)
			kv = nil
		}
	} else {
		slog.Info("Running without persistence (KV store disabled)")
	}

	// Chat history is encrypted at rest with a process-local key, so records
	// survive only as long as the key does. Restarts render old history
	// unreadable, never unserveable.
	cipher, err := crypto.NewCipher()
	if err != nil {
		slog.Error("Failed to initialize chat cipher", "error", err)
		os.Exit(1)
	}

	// --- Core Room State ---
	reg := registry.New(cfg.MaxParticipantsDefault)
	rt := router.New(reg, kv, cipher)

	// --- Rate Limits ---
	limits, err := ratelimit.New(cfg, kv.Client())
	if err != nil {
		slog.Error("Failed to build rate limiter, running without limits", "error", err)
		limits = nil
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	wsHandler := session.NewHandler(reg, rt, tokens, kv, limits, allowedOrigins)
	apiHandler := api.NewHandler(reg, kv, cipher, tokens, cfg)
	healthHandler := health.NewHandler(kv)

	// --- Set up Server ---
	engine := gin.Default()

	// Cors
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	engine.Use(cors.New(corsCfg))

	engine.Use(middleware.CorrelationID())
	if tp != nil {
		engine.Use(otelgin.Middleware(serviceName))
	}

	// Routing
	apiHandler.Routes(engine, middleware.RequireAuth(tokens), limits)
	engine.GET("/rooms/ws/:roomId", wsHandler.ServeWs)

	// Completed uploads are served back from the same directory they land in.
	engine.Static("/uploads", cfg.UploadDirectory)

	// Prometheus metrics endpoint
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close every live conference session first so clients see a clean
	// going-away close instead of a dropped TCP connection.
	reg.Shutdown(ctx)

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close KV connection if it was initialized
	if kv != nil {
		if err := kv.Close(); err != nil {
			slog.Error("Failed to close KV connection:", "error", err)
		} else {
			slog.Info("KV connection closed")
		}
	}

	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down tracer provider:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
