// Datachat - chat with a dataset through configurable agents
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/datachat/internal/api"
	"github.com/ashureev/datachat/internal/app"
	"github.com/ashureev/datachat/internal/config"
	"github.com/ashureev/datachat/internal/container"
	"github.com/ashureev/datachat/internal/health"
	"github.com/ashureev/datachat/internal/logging"
	"github.com/ashureev/datachat/internal/middleware"
	"github.com/ashureev/datachat/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const (
	chatRateLimit    = 30
	chatRateWindow   = time.Minute
	reloadDebounce   = 250 * time.Millisecond
	runnerMaxAge     = 10 * time.Minute
	shutdownDeadline = 10 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize components", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := a.Store.Ping(ctx); err != nil {
		slog.Error("Storage health check failed", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	hub := api.NewHub()
	baseHandler := api.NewHandler(a.Orchestrator, a.Store, hub)
	healthHandler := api.NewHealthHandler(a.Store, a.Runner, a.Orchestrator.Credentialed)
	wsHandler := api.NewWebSocketHandler(baseHandler, cfg.FrontendURL, cfg.IsDevelopment())

	limiter := middleware.NewRateLimiter(chatRateLimit, chatRateWindow)
	defer limiter.Stop()

	if cfg.WatchAgents {
		watcher, err := store.NewConfigWatcher(cfg.AgentConfigPath, reloadDebounce, func(ctx context.Context) {
			changed, err := a.Orchestrator.ReloadIfChanged(ctx)
			if err != nil {
				slog.Warn("Agent configuration reload failed, keeping previous agents", "error", err)
				return
			}
			if changed {
				slog.Info("Agent configuration reloaded", "agents", len(a.Orchestrator.Agents()))
				baseHandler.Publish(ctx)
			}
		})
		if err != nil {
			slog.Error("Failed to create agent config watcher", "error", err)
			os.Exit(1)
		}
		if err := watcher.Start(ctx); err != nil {
			slog.Warn("Agent config watcher disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	if a.Docker != nil {
		container.StartReaper(ctx, a.Docker, runnerMaxAge)
	}

	var grpcHealth *health.Server
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err)
			os.Exit(1)
		}
		grpcHealth = health.NewServer(a.HealthChecks(), logger)
		grpcHealth.Start(ctx)
		go func() {
			if err := grpcHealth.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", a.Metrics.Handler())

	// Turns call the model, so they are rate limited per client.
	baseHandler.RegisterRoutes(r, limiter.Middleware)

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Create server.
	// No WriteTimeout: a turn may run for MODEL_TIMEOUT plus EXEC_TIMEOUT.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	hub.CloseAll()
	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
