// Planwise - conversational plan-and-execute agent server
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

	"github.com/ashureev/planwise/internal/actions"
	"github.com/ashureev/planwise/internal/api"
	"github.com/ashureev/planwise/internal/audit"
	"github.com/ashureev/planwise/internal/config"
	"github.com/ashureev/planwise/internal/identity"
	"github.com/ashureev/planwise/internal/middleware"
	"github.com/ashureev/planwise/internal/orchestrator"
	"github.com/ashureev/planwise/internal/planner"
	"github.com/ashureev/planwise/internal/store"
	"github.com/ashureev/planwise/internal/stream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	healthHandler := api.NewHealthHandler(repo)

	var generator planner.Generator = planner.NewKeywordPlanner()
	if cfg.Planner.Addr != "" {
		slog.Info("Connecting to planner service via gRPC", "address", cfg.Planner.Addr)
		grpcPlanner, err := planner.NewGrpcPlanner(planner.DefaultGrpcConfig(cfg.Planner.Addr), logger)
		if err != nil {
			slog.Warn("Failed to connect to planner service, using keyword planner", "error", err)
		} else {
			defer grpcPlanner.Close()
			generator = grpcPlanner
			healthHandler.AddCheck("planner", grpcPlanner.Health)
		}
	} else {
		slog.Info("PLANNER_ADDR not set, using keyword planner")
	}

	auditLog, err := audit.New(audit.Config{
		Enabled:   cfg.Audit.Enabled,
		Dir:       cfg.Audit.Dir,
		QueueSize: cfg.Audit.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := auditLog.Close(); closeErr != nil {
			slog.Error("Failed to close audit logger", "error", closeErr)
		}
	}()

	hub := stream.NewHub(logger)
	mgr := orchestrator.NewManager(repo, generator, actions.NewDefaultRegistry(repo), orchestrator.Config{
		ClarificationThreshold:  cfg.Agent.ClarificationThreshold,
		MaxClarifications:       cfg.Agent.MaxClarifications,
		HistoryLimit:            cfg.Agent.HistoryLimit,
		PlannerTimeout:          cfg.Planner.Timeout,
		MaxConcurrentExecutions: int64(cfg.Agent.MaxConcurrentExecutions),
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithAudit(auditLog),
		orchestrator.WithNotifier(hub),
		orchestrator.WithMetrics(orchestrator.NewMetrics(prometheus.DefaultRegisterer)),
	)

	// Initialize handlers.
	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Close()
	agentHandler := api.NewAgentHandler(mgr, limiter, cfg.MaxRequestBodySize)
	wsHandler := stream.NewHandler(hub, mgr, cfg.CORSOrigins, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		var extraHeaders []string
		if cfg.AuthUserHeader != "" {
			extraHeaders = append(extraHeaders, cfg.AuthUserHeader)
		}
		r.Use(middleware.CORS(cfg.CORSOrigins, extraHeaders...))
		r.Use(identity.Middleware(repo, identity.Config{
			AuthHeader: cfg.AuthUserHeader,
			IsDev:      cfg.IsDevelopment(),
		}))

		agentHandler.RegisterRoutes(r)
		r.Get("/ws/agent/sessions/{id}", wsHandler.ServeHTTP)
	})

	// WriteTimeout stays 0: status streams are long-lived websockets.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start expiry worker.
	mgr.StartExpiryWorker(ctx, cfg.Session.SweepInterval, cfg.Session.Expiry)

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
