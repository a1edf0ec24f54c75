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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/devbench-ai/devbench/internal/audit"
	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/database"
	"github.com/devbench-ai/devbench/internal/exec"
	"github.com/devbench-ai/devbench/internal/handler"
	"github.com/devbench-ai/devbench/internal/logfile"
	"github.com/devbench-ai/devbench/internal/manager"
	"github.com/devbench-ai/devbench/internal/metrics"
	"github.com/devbench-ai/devbench/internal/middleware"
	"github.com/devbench-ai/devbench/internal/policy"
	"github.com/devbench-ai/devbench/internal/reconcile"
	"github.com/devbench-ai/devbench/internal/runtime/docker"
	"github.com/devbench-ai/devbench/internal/shutdown"
	"github.com/devbench-ai/devbench/internal/store"
	"github.com/devbench-ai/devbench/internal/version"
	"github.com/devbench-ai/devbench/internal/workspace"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "failed to load configuration", err)
	}

	// Redirect output before anything chatty starts. The fd-level swap
	// means the logger built above follows along.
	if cfg.LogFile != "" {
		if err := logfile.Setup(cfg.LogFile); err != nil {
			fatal(logger, "failed to set up log file", err)
		}
	}

	// Connect to state database
	db, err := database.New(cfg)
	if err != nil {
		fatal(logger, "failed to connect to database", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		fatal(logger, "failed to run migrations", err)
	}
	logger.Info("migrations completed", "driver", cfg.DatabaseDriver)

	s := store.New(db.DB)

	// Container runtime. Client construction only fails on malformed
	// environment; a stopped daemon surfaces later as per-call errors
	// and a degraded status.
	ctx := context.Background()
	rt, err := docker.New(ctx, cfg.WorkspaceMount)
	if err != nil {
		fatal(logger, "failed to initialize docker runtime", err)
	}

	auditLog := audit.New(logger)
	auditLog.Event(audit.EventSystemStartup,
		"version", version.Get(),
		"listen_addr", cfg.ListenAddr,
	)

	pol, err := policy.NewResolver(cfg)
	if err != nil {
		fatal(logger, "failed to build image policy", err)
	}

	engine := exec.NewEngine(s, rt, auditLog, logger, exec.Options{
		SlotsPerContainer: cfg.ExecsPerContainer,
		BufferBudget:      cfg.ExecOutputBudgetBytes,
		PollLimitBytes:    cfg.ExecPollResponseBytes,
		DefaultTimeout:    cfg.DefaultExecTimeout,
		DefaultCwd:        cfg.WorkspaceMount,
	})

	mgr := manager.New(s, rt, pol, engine, cfg, auditLog, logger)
	gateway := workspace.New(rt, cfg.WorkspaceMount, cfg.TransferRateBytes, auditLog, logger)

	// Recover state left over from the previous process before accepting
	// traffic: fail interrupted executions, close stale attachments, align
	// container rows with what the runtime actually has.
	reconciler := reconcile.NewReconciler(s, rt, cfg, auditLog, logger)
	bootCtx, cancelBoot := context.WithTimeout(ctx, 2*time.Minute)
	if stats, err := reconciler.Boot(bootCtx); err != nil {
		logger.Warn("boot reconcile failed", "error", err)
	} else {
		logger.Info("boot reconcile completed",
			"discovered", stats.Discovered,
			"adopted", stats.Adopted,
			"cleaned_up", stats.CleanedUp,
			"orphaned", stats.Orphaned,
			"errors", stats.Errors,
		)
	}
	cancelBoot()

	var warmPool *reconcile.WarmPool
	if cfg.WarmPoolEnabled {
		warmPool, err = reconcile.NewWarmPool(s, rt, mgr, pol, cfg, logger)
		if err != nil {
			fatal(logger, "failed to configure warm pool", err)
		}
		warmPool.Start(ctx)
		logger.Info("warm pool started", "size", cfg.WarmPoolSize, "image", cfg.WarmPoolImage)
	} else {
		logger.Info("warm pool disabled")
	}

	maintenance := reconcile.NewMaintenance(s, rt, db, engine, mgr, cfg, auditLog, logger)
	maintenance.Start(ctx)

	coordinator := shutdown.New(s, engine, mgr, cfg, auditLog, logger)

	// Initialize handlers
	h := handler.New(s, cfg, rt, mgr, engine, gateway, reconciler, maintenance, warmPool, coordinator, logger)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SanitizedLogger(logger))
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check endpoint
	r.Get("/healthz", h.Healthz)

	// Prometheus metrics
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/tools", func(r chi.Router) {
		// Tar transfers stream arbitrarily large bodies, so they stay
		// outside the request timeout.
		r.Post("/tar_export", h.TarExport)
		r.Post("/tar_import", h.TarImport)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			// Container lifecycle
			r.Post("/spawn", h.Spawn)
			r.Post("/attach", h.Attach)
			r.Post("/kill", h.Kill)

			// Command execution
			r.Post("/exec_start", h.ExecStart)
			r.Post("/exec_cancel", h.ExecCancel)
			r.Post("/exec_poll", h.ExecPoll)

			// Workspace filesystem
			r.Post("/fs_read", h.FSRead)
			r.Post("/fs_write", h.FSWrite)
			r.Post("/fs_delete", h.FSDelete)
			r.Post("/fs_stat", h.FSStat)
			r.Post("/fs_list", h.FSList)
			r.Post("/fs_batch", h.FSBatch)

			// Operations
			r.Post("/reconcile", h.Reconcile)
			r.Post("/gc", h.GC)

			// Diagnostics
			r.Get("/list_containers", h.ListContainers)
			r.Get("/list_execs", h.ListExecs)
			r.Get("/status", h.Status)
		})
	})

	// Create server. Read and write timeouts stay off because tar
	// transfers stream; the header timeout still bounds slow clients.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr, "version", version.Get())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "server failed", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Stop background loops first so nothing replenishes or sweeps while
	// the drain tears containers down.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	if err := maintenance.Shutdown(stopCtx); err != nil {
		logger.Warn("maintenance shutdown", "error", err)
	}
	if warmPool != nil {
		if err := warmPool.Shutdown(stopCtx); err != nil {
			logger.Warn("warm pool shutdown", "error", err)
		}
	}
	cancelStop()

	// Drain while the HTTP server is still up: new spawns and execs are
	// refused, but clients can keep polling output tails until the grace
	// window closes.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainGrace+30*time.Second)
	coordinator.Drain(drainCtx)
	cancelDrain()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fatal(logger, "server forced to shutdown", err)
	}

	logger.Info("server stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
