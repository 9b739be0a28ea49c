// Blooom - realtime chat server
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

	"github.com/blooom-app/blooom/internal/api"
	"github.com/blooom-app/blooom/internal/config"
	"github.com/blooom-app/blooom/internal/identity"
	"github.com/blooom-app/blooom/internal/middleware"
	"github.com/blooom-app/blooom/internal/realtime"
	"github.com/blooom-app/blooom/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
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
	level.Set(cfg.Level())

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "require_auth", cfg.RequireAuth)
	if cfg.AuthSecret == "" {
		slog.Warn("AUTH_SECRET not set, identity tokens are not verified")
	}

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
	slog.Info("Database connected", "path", cfg.DBPath)

	hub := realtime.NewHub(repo,
		realtime.WithHistoryLimit(cfg.HistoryLimit),
		realtime.WithLogger(logger),
		realtime.WithUsers(repo),
	)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, hub)
	healthHandler := api.NewHealthHandler(repo, cfg.HealthTimeout)
	chatHandler := api.NewChatHandler(baseHandler, cfg.HistoryLimit)
	wsHandler := realtime.NewWebSocketHandler(hub, realtime.WebSocketConfig{
		AllowedOrigins: cfg.AllowedOrigins(),
		IsDevelopment:  cfg.IsDevelopment(),
		RequireAuth:    cfg.RequireAuth,
		SendBuffer:     cfg.SendBuffer,
		PingInterval:   cfg.PingInterval,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(repo, []byte(cfg.AuthSecret)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Identity-gated REST routes.
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	slog.Info("Shutting down gracefully...", "online_users", hub.Registry().Len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
