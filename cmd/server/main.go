// Lore - event-sourced learning session server
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

	"github.com/ashureev/lore-engine/internal/advisory"
	"github.com/ashureev/lore-engine/internal/api"
	"github.com/ashureev/lore-engine/internal/catalog"
	"github.com/ashureev/lore-engine/internal/config"
	"github.com/ashureev/lore-engine/internal/identity"
	"github.com/ashureev/lore-engine/internal/live"
	"github.com/ashureev/lore-engine/internal/middleware"
	"github.com/ashureev/lore-engine/internal/session"
	"github.com/ashureev/lore-engine/internal/store"
	"github.com/ashureev/lore-engine/internal/telemetry"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db_driver", cfg.DB.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("Tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.Open(ctx, store.Options{
		Driver:      cfg.DB.Driver,
		SQLitePath:  cfg.DB.Path,
		PostgresDSN: cfg.DB.PostgresDSN,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	challenges, err := catalog.LoadDir(cfg.CatalogDir)
	if err != nil {
		slog.Error("Failed to load challenge catalog", "error", err, "dir", cfg.CatalogDir)
		os.Exit(1)
	}
	summaries, _ := challenges.List(ctx)
	slog.Info("Challenge catalog loaded", "dir", cfg.CatalogDir, "challenges", len(summaries))

	// Advisory service is optional; without it every task takes its fallback.
	var svc advisory.Service = advisory.Disabled{}
	var advisoryCheck api.Checker
	//nolint:nestif // Startup wiring is intentionally sequential to keep dependency setup explicit.
	if cfg.Advisory.Addr != "" {
		slog.Info("Connecting to advisory service via gRPC", "address", cfg.Advisory.Addr)
		grpcCfg := advisory.DefaultGrpcClientConfig()
		grpcCfg.Address = cfg.Advisory.Addr
		grpcCfg.RequestTimeout = cfg.Advisory.Timeout
		client, err := advisory.NewGrpcClient(grpcCfg, logger)
		if err != nil {
			slog.Warn("Failed to connect to advisory service, using fallbacks", "error", err)
		} else {
			defer client.Close()
			svc = client
			advisoryCheck = api.CheckFunc(client.Health)
		}
	} else {
		slog.Info("Advisory features disabled (ADVISORY_ADDR not set)")
	}

	transcript, err := advisory.NewTranscriptLogger(advisory.TranscriptLogConfig{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer transcript.Close()

	orch := advisory.NewOrchestrator(svc,
		advisory.WithTimeout(cfg.Advisory.Timeout),
		advisory.WithConcurrency(cfg.Advisory.Concurrency),
		advisory.WithTranscript(transcript),
		advisory.WithLogger(logger),
	)

	hub := live.NewHub()
	coord := session.NewCoordinator(repo, challenges, orch,
		session.WithOptions(session.Options{
			SnapshotInterval: cfg.Session.SnapshotInterval,
			ConflictRetries:  cfg.Session.ConflictRetries,
			ContextMessages:  cfg.Advisory.ContextMessages,
		}),
		session.WithPublisher(hub),
		session.WithLogger(logger),
	)

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(coord)
	healthHandler := api.NewHealthHandler(repo, advisoryCheck)
	wsHandler := live.NewWebSocketHandler(hub, coord, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
		r.Get("/ws/sessions/{id}", wsHandler.ServeHTTP)
	})

	// No WriteTimeout: websocket feeds are long lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	session.StartRecoveryWorker(ctx, coord, repo, cfg.Recovery.Interval, cfg.Recovery.StaleAfter)

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
