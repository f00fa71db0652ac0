// kaiwa - browser chat demo server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kaiwa/internal/audit"
	"kaiwa/internal/chat"
	"kaiwa/internal/config"
	"kaiwa/internal/generate"
	"kaiwa/internal/identity"
	"kaiwa/internal/middleware"
	"kaiwa/internal/server"
	"kaiwa/internal/store"
	"kaiwa/web"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "provider", cfg.Inference.Provider, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	sink, err := buildSink(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize audit sink", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			slog.Error("Failed to close audit sink", "error", closeErr)
		}
	}()

	gen, err := buildGenerator(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize generator", "error", err)
		os.Exit(1)
	}
	defer gen.Close()
	slog.Info("Generator initialized", "provider", cfg.Inference.Provider)

	// Initialize services.
	gate := chat.NewGate(cfg.MaxConcurrentGenerations)
	sessions := server.NewSessionRegistry(repo, gen, sink, chat.Options{
		SystemPrompt:   cfg.SystemPrompt,
		MaxInputTokens: cfg.MaxInputTokens,
		Gate:           gate,
		Logger:         logger,
	}, logger)
	limiter := server.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)

	// Initialize handlers.
	apiHandler := server.NewHandler(repo, sessions, limiter, gen, cfg)
	wsHandler := server.NewWebSocketHandler(repo, sessions, limiter, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE and WebSocket connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start TTL worker for stale persisted conversations.
	startSessionCleanup(ctx, repo, cfg.SessionTTL)
	slog.Info("Session cleanup worker started", "session_ttl", cfg.SessionTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func buildSink(cfg *config.Config, logger *slog.Logger) (audit.Sink, error) {
	if !cfg.Audit.Enabled {
		slog.Info("Audit logging disabled")
		return audit.NopSink{}, nil
	}
	switch cfg.Audit.Backend {
	case "bolt":
		return audit.NewBoltSink(cfg.Audit.BoltPath, cfg.Audit.Bucket, cfg.Audit.KeyPrefix)
	default:
		return audit.NewObjectSink(audit.ObjectSinkConfig{
			Root:      cfg.Audit.Dir,
			Bucket:    cfg.Audit.Bucket,
			KeyPrefix: cfg.Audit.KeyPrefix,
			QueueSize: cfg.Audit.QueueSize,
		}, logger)
	}
}

func buildGenerator(cfg *config.Config, logger *slog.Logger) (generate.Generator, error) {
	switch cfg.Inference.Provider {
	case "anthropic":
		return generate.NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), cfg.Inference.AnthropicModel, logger), nil
	default:
		vllmCfg := generate.DefaultVLLMConfig()
		vllmCfg.BaseURL = cfg.Inference.VLLMURL
		vllmCfg.Model = cfg.Inference.VLLMModel
		return generate.NewVLLMClient(vllmCfg, logger), nil
	}
}

// startSessionCleanup periodically deletes persisted conversations idle past
// the TTL.
func startSessionCleanup(ctx context.Context, repo store.Repository, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(ttl / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				deleted, err := repo.CleanupExpiredSessions(cleanupCtx, ttl)
				cancel()
				if err != nil {
					slog.Warn("Session cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("Expired chat sessions removed", "count", deleted)
				}
			}
		}
	}()
}
