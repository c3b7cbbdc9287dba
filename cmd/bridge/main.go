// Bridge - coordination gateway between IDE sessions and the worker pool.
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

	"github.com/tesserbridge/bridge/internal/api"
	"github.com/tesserbridge/bridge/internal/cache"
	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/domain"
	"github.com/tesserbridge/bridge/internal/gateway"
	"github.com/tesserbridge/bridge/internal/identity"
	"github.com/tesserbridge/bridge/internal/middleware"
	"github.com/tesserbridge/bridge/internal/optimizer"
	"github.com/tesserbridge/bridge/internal/orchestrator"
	"github.com/tesserbridge/bridge/internal/registry"
	"github.com/tesserbridge/bridge/internal/statesync"
	"github.com/tesserbridge/bridge/internal/store"
	"github.com/tesserbridge/bridge/internal/trigger"
	"github.com/tesserbridge/bridge/internal/worker"
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

	slog.Info("Starting bridge", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	// Optional shared cache tier for multi-instance deployments.
	var sharedRepo store.Repository
	if cfg.SharedCacheDBPath != "" {
		sharedRepo, err = store.NewSQLite(cfg.SharedCacheDBPath)
		if err != nil {
			slog.Error("Failed to open shared cache database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := sharedRepo.Close(); closeErr != nil {
				slog.Error("Failed to close shared cache database", "error", closeErr)
			}
		}()
		slog.Info("Shared cache tier enabled", "path", cfg.SharedCacheDBPath)
	}

	resultCache := cache.New(cfg.Cache, repo, sharedRepo, logger)
	defer resultCache.Close()

	reg := registry.New(cfg.Session, repo, logger)

	engine := trigger.NewEngine(cfg.Trigger, logger)
	for _, h := range trigger.DefaultHeuristics() {
		if err := engine.Register(h); err != nil {
			slog.Error("Failed to register trigger heuristic", "kind", h.Kind, "error", err)
			os.Exit(1)
		}
	}

	// Cooldown state is per session; drop it once the session is gone.
	reg.OnClose(engine.ForgetSession)

	opt := optimizer.New(cfg.Optimizer, logger)

	// Worker pool client. Without a configured address plans fail fast at
	// execution rather than at startup, keeping the state-sync and trigger
	// paths usable on their own.
	var invoker worker.Invoker
	if cfg.WorkerAddr != "" {
		invokerCfg := worker.DefaultGrpcInvokerConfig()
		invokerCfg.Address = cfg.WorkerAddr
		invokerCfg.RequestTimeout = cfg.Plan.StepTimeout
		grpcInvoker, err := worker.NewGrpcInvoker(invokerCfg, logger)
		if err != nil {
			slog.Error("Failed to connect to worker pool", "error", err)
			os.Exit(1)
		}
		defer grpcInvoker.Close()
		invoker = worker.NewCached(grpcInvoker, resultCache)
	} else {
		slog.Warn("WORKER_POOL_ADDR not set, worker invocations will fail")
		invoker = worker.InvokerFunc(func(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
			return nil, worker.ErrWorkerUnavailable
		})
	}

	orch := orchestrator.New(cfg.Plan, invoker, logger)
	syncer := statesync.New(repo, logger)

	wsHandler := gateway.NewHandler(
		cfg.Session, reg, engine, opt, resultCache, orch, syncer,
		cfg.AllowedOrigin, cfg.IsDevelopment(), logger,
	)
	apiHandler := api.NewHandler(repo, reg, resultCache, engine)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{cfg.AllowedOrigin}
	if cfg.AllowedOrigin == "" {
		corsOrigins = []string{"*"}
	}
	r.Use(middleware.CORS(corsOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/bridge", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket sessions outlive any fixed write budget
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg.StartReaper(ctx)

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
