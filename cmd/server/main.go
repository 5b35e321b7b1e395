/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration, apply flag overrides
  2. Open the store (SQLite or Postgres) and run migrations
  3. Wire resolver, calculator, recorder and reconciliation job
  4. Start the reconciliation scheduler when enabled
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (cancels an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # Run with file database
  ./server -db="./data/leave.db"

  # Run against Postgres
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server

  # Backfill every tenant hourly
  RECONCILE_ENABLED=true ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/config"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/logging"
	"github.com/warp/leave-ledger/reconcile"
	"github.com/warp/leave-ledger/store/postgres"
	"github.com/warp/leave-ledger/store/sqlite"
)

// backend is what every store implementation provides.
type backend interface {
	leave.TxStore
	leave.CatalogStore
	leave.PolicyStore
	leave.RequestSource
	leave.TenantLister
	leave.RunStore
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLitePath = *dbPath

	log := logging.New(cfg.LogLevel, cfg.AppEnv)
	log.Info().
		Str("environment", cfg.AppEnv).
		Str("db_driver", cfg.DBDriver).
		Msg("Starting leave ledger")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()
	log.Info().Msg("Database ready")

	// Engine
	resolver := leave.NewResolver(store, store, log.With().Str("component", "resolver").Logger())
	calc := leave.NewCalculator(store, resolver, log.With().Str("component", "calculator").Logger())
	rec := leave.NewRecorder(store, calc,
		leave.WithCalendar(leave.FinancialCalendar{StartMonth: cfg.FinancialYearStart()}),
		leave.WithWriteRetries(cfg.WriteRetries),
		leave.WithLogger(log.With().Str("component", "recorder").Logger()),
	)
	job := reconcile.NewJob(store, store, rec,
		reconcile.WithRunStore(store),
		reconcile.WithConcurrency(cfg.ReconcileConcurrency),
		reconcile.WithLogger(log.With().Str("component", "reconcile").Logger()),
	)

	scheduler := newScheduler(cfg, job, store, log)
	if cfg.ReconcileEnabled {
		scheduler.Start()
		defer scheduler.Stop()
	}

	handler := api.NewHandler(calc, rec, job, store, log.With().Str("component", "http").Logger())
	handler.Ping = store.Ping
	router := api.NewRouter(handler, cfg.CORSAllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Int("port", cfg.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	if cfg.ReconcileEnabled {
		scheduler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.DatabaseURL)
	default:
		return sqlite.New(cfg.SQLitePath)
	}
}

func newScheduler(cfg *config.Config, job *reconcile.Job, tenants leave.TenantLister, log zerolog.Logger) *reconcile.Scheduler {
	opts := []reconcile.SchedulerOption{
		reconcile.WithInterval(cfg.ReconcileInterval),
		reconcile.WithSchedulerLogger(log.With().Str("component", "scheduler").Logger()),
	}
	if len(cfg.ReconcileTenants) > 0 {
		fixed := make([]leave.TenantID, 0, len(cfg.ReconcileTenants))
		for _, raw := range cfg.ReconcileTenants {
			tenant, err := leave.ParseTenantID(raw)
			if err != nil {
				log.Warn().Err(err).Str("tenant", raw).Msg("ignoring invalid RECONCILE_TENANTS entry")
				continue
			}
			fixed = append(fixed, tenant)
		}
		opts = append(opts, reconcile.WithTenants(fixed...))
	}
	return reconcile.NewScheduler(job, tenants, opts...)
}
