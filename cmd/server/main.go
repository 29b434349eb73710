// CallPilot - Live Call Assistant Hub
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/fixfirsthq/callpilot/internal/bus"
	"github.com/fixfirsthq/callpilot/internal/config"
	"github.com/fixfirsthq/callpilot/internal/hub"
	"github.com/fixfirsthq/callpilot/internal/identity"
	"github.com/fixfirsthq/callpilot/internal/intake"
	"github.com/fixfirsthq/callpilot/internal/middleware"
	"github.com/fixfirsthq/callpilot/internal/store"
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting hub", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	var repo store.Repository
	backend := "sqlite"
	if cfg.UsesPostgres() {
		backend = "postgres"
		repo, err = store.NewPostgres(context.Background(), cfg.PostgresURL)
	} else {
		repo, err = store.NewSQLite(cfg.SQLitePath)
	}
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Session store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Session store connected", "backend", backend)

	// The bus is optional: without it the hub still serves stored
	// sessions and agent actions.
	var busClient *bus.Client
	if cfg.BusEnabled() {
		busClient, err = bus.Connect(cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			slog.Warn("Bus unavailable, continuing without analyzer intake", "error", err)
			busClient = nil
		} else {
			defer busClient.Close()
		}
	} else {
		slog.Info("Bus not configured, analyzer intake disabled")
	}

	registry := hub.NewRegistry()
	sessions := hub.NewSessions(repo, registry, busClient, cfg.TranscriptRing)

	// Sessions left in_progress by a previous process settle as
	// abandoned; genuinely live calls reopen on their next event.
	settled, err := sessions.AbandonStale(context.Background())
	if err != nil {
		slog.Error("Failed to settle leftover sessions", "error", err)
		os.Exit(1)
	}
	slog.Info("Leftover session cleanup complete", "abandoned", settled)

	if busClient != nil {
		listener := intake.NewListener(sessions, logger)
		if err := listener.Start(busClient); err != nil {
			slog.Error("Failed to subscribe to analyzer events", "error", err)
			os.Exit(1)
		}
		slog.Info("Analyzer intake ready", "subject", bus.SubjectLiveEvents)
	}

	// Initialize handlers.
	apiHandler := hub.NewHandler(sessions)
	healthHandler := hub.NewHealthHandler(sessions)
	liveHandler := hub.NewLiveHandler(sessions, registry, cfg.AllowedOrigin, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(corsOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/live", liveHandler.ServeHTTP)

	// Create server.
	// Note: live feed connections stay open for the whole call, so no
	// WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start the janitor.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub.StartJanitor(ctx, sessions, repo, cfg.SessionTTL, cfg.JournalRetention)

	// Start server.
	go func() {
		slog.Info("Hub listening", "addr", srv.Addr)
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

	slog.Info("Hub stopped successfully")
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.AllowedOrigin == "" {
		return []string{"*"}
	}
	return []string{cfg.AllowedOrigin}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
