// interviewd - real-time AI interview session engine
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/interviewd/internal/agentsvc"
	"github.com/ashureev/interviewd/internal/api"
	"github.com/ashureev/interviewd/internal/config"
	"github.com/ashureev/interviewd/internal/finish"
	"github.com/ashureev/interviewd/internal/identity"
	"github.com/ashureev/interviewd/internal/middleware"
	"github.com/ashureev/interviewd/internal/provision"
	"github.com/ashureev/interviewd/internal/rtc"
	"github.com/ashureev/interviewd/internal/session"
	"github.com/ashureev/interviewd/internal/store"
	"github.com/ashureev/interviewd/internal/telemetry"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	recorder, err := telemetry.NewRecorder(telemetry.Config{
		Enabled:   cfg.Telemetry.Enabled,
		Dir:       cfg.Telemetry.Dir,
		QueueSize: cfg.Telemetry.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize telemetry recorder", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := recorder.Close(); closeErr != nil {
			slog.Error("Failed to close telemetry recorder", "error", closeErr)
		}
	}()

	// Probe the interviewer agent service (optional). Sessions still run
	// without it, with subtitle application and agent placement disabled.
	aiEnabled := false
	if cfg.AgentServiceURL != "" {
		slog.Info("Probing interviewer agent service", "address", cfg.AgentServiceURL)
		probe, err := agentsvc.NewProbe(cfg.AgentServiceURL, logger)
		if err != nil {
			slog.Warn("Agent service unreachable, AI features will be disabled", "error", err)
		} else {
			defer probe.Close()
			checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := probe.Check(checkCtx); err != nil {
				slog.Warn("Agent service not serving, AI features will be disabled", "error", err)
			} else {
				aiEnabled = true
			}
			cancel()
		}
	}
	if !aiEnabled {
		slog.Info("AI features disabled (AGENT_SERVICE_ADDR not set or service unreachable)")
	}

	provisioner := provision.NewClient(cfg.ProvisionURL, 10*time.Second)
	finisher := finish.NewClient(cfg.FinishURL, 10*time.Second)

	mgr := session.NewManager(session.Deps{
		NewEngine: func(ctx context.Context) (rtc.Engine, error) {
			return rtc.NewGatewayEngine(rtc.GatewayConfig{URL: cfg.GatewayURL}, logger), nil
		},
		Provisioner:  provisioner,
		Finisher:     finisher,
		Repo:         repo,
		Telemetry:    recorder,
		AgentEnabled: func() bool { return aiEnabled },
		Timeouts: session.Timeouts{
			Connect:       cfg.ConnectTimeout,
			Reconnect:     cfg.ReconnectTimeout,
			SilenceWindow: cfg.SilenceWindow,
			SilenceGrace:  cfg.SilenceGrace,
		},
		Logger: logger,
	}, repo, cfg.MaxSessionDuration, logger)

	// Initialize handlers.
	interviewHandler := api.NewInterviewHandler(repo, mgr, func() bool { return aiEnabled })
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Interview routes require candidate attribution.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware())
		interviewHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start the session sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.StartSweeper(ctx, cfg.SweepInterval)

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

	mgr.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
