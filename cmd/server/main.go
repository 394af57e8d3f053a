/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env file, then environment)
  2. Configure logging
  3. Open the store (memory, SQLite or PostgreSQL with migrations)
  4. Load the loyalty program (file with hot reload, or the standard preset)
  5. Start the notification bus (log sink, optional signed webhook)
  6. Create the engine, handler, router and maintenance scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -env           .env file to load (default: .env, missing file is fine)
  -issue-token   Print an operator token for SUBJECT and exit
  -scopes        Scopes for -issue-token (default: loyalty:maintenance)
  -token-ttl     Lifetime for -issue-token (default: 24h)

ENVIRONMENT:
  See config/config.go for the full list. The common ones:
    LOYALTY_ADDR, LOYALTY_STORE, LOYALTY_SQLITE_PATH, DATABASE_URL,
    LOYALTY_PROGRAM_FILE, MAINTENANCE_CRON, MAINTENANCE_SECRET,
    WEBHOOK_URL, WEBHOOK_SECRET, LOG_LEVEL, LOG_FORMAT

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections and wait for active requests
  2. Stop the scheduler (a sweep in flight leaves a resume cursor)
  3. Drain queued events
  4. Close the store
  All steps share SHUTDOWN_TIMEOUT.

EXAMPLES:
  # Development: in-memory store, text logs
  LOYALTY_STORE=memory LOG_LEVEL=debug ./server

  # Token for the nightly job
  MAINTENANCE_SECRET=... ./server -issue-token=cron -scopes=loyalty:maintenance

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - loyalty/engine.go: Ledger engine
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
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/notify"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func main() {
	// Flags
	envFile := flag.String("env", ".env", "dotenv file to load")
	issueFor := flag.String("issue-token", "", "print an operator token for this subject and exit")
	scopes := flag.String("scopes", api.ScopeMaintenance, "comma-separated scopes for -issue-token")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime for -issue-token")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if *issueFor != "" {
		tok, err := api.IssueToken(cfg.MaintenanceSecret, *issueFor, strings.Split(*scopes, ","), *tokenTTL, time.Now())
		if err != nil {
			log.WithError(err).Fatal("issue token (is MAINTENANCE_SECRET set?)")
		}
		fmt.Println(tok)
		return
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	ledger, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Load program
	programs, err := loadProgram(cfg, log)
	if err != nil {
		return err
	}
	log.WithField("program_version", programs.Program().Version).Info("loyalty program loaded")

	// Notifications
	sinks := []notify.Sink{notify.LogSink{Logger: log.WithField("component", "events")}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(notify.WebhookConfig{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}))
		log.WithField("url", cfg.WebhookURL).Info("webhook delivery enabled")
	}
	bus := notify.NewBus(notify.BusConfig{
		Buffer:      cfg.EventBuffer,
		MaxAttempts: cfg.WebhookMaxAttempts,
		Logger:      log,
	}, sinks...)

	engine := loyalty.NewEngine(loyalty.EngineConfig{
		Store:               ledger,
		Program:             programs,
		Publisher:           bus,
		Logger:              log.WithField("component", "engine"),
		OperationTimeout:    cfg.OperationTimeout,
		MaintenancePageSize: cfg.MaintenancePageSize,
		MaintenanceLockTTL:  cfg.MaintenanceLockTTL,
	})

	scheduler, err := api.NewMaintenanceScheduler(engine, cfg.MaintenanceCron, log)
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}

	handler := api.NewHandler(engine, programs, log)
	handler.Scheduler = scheduler
	handler.Events = bus

	if !cfg.MaintenanceAuthEnabled() {
		log.Warn("MAINTENANCE_SECRET not set: admin and maintenance endpoints are disabled")
	}
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		AuthSecret:  cfg.MaintenanceSecret,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced to shutdown")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("maintenance did not stop in time")
	}
	if err := bus.Close(shutdownCtx); err != nil {
		log.WithError(err).WithField("undelivered", bus.Stats().Queued).Warn("event queue not drained")
	}

	log.Info("server stopped")
	return nil
}

// openStore returns the configured ledger store and its close function.
func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (loyalty.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("using in-memory store: balances are lost on restart")
		return store.NewMemory(), func() {}, nil

	case config.StorePostgres:
		if err := postgres.RunMigrations(cfg.DatabaseURL, log); err != nil {
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return nil, nil, err
		}
		log.Info("connected to PostgreSQL")
		s := postgres.New(pool)
		return s, s.Close, nil

	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize database: %w", err)
		}
		log.WithField("path", cfg.SQLitePath).Info("using SQLite store")
		return s, func() {
			if err := s.Close(); err != nil {
				log.WithError(err).Warn("close database")
			}
		}, nil
	}
}

// loadProgram reads LOYALTY_PROGRAM_FILE, watching it for changes when
// enabled, or falls back to the standard three-tier preset.
func loadProgram(cfg *config.Config, log logrus.FieldLogger) (api.ProgramStore, error) {
	if cfg.ProgramFile == "" {
		p, err := factory.NewProgramFactory().ParseProgram([]byte(factory.StandardProgramJSON("standard")))
		if err != nil {
			return nil, err
		}
		log.Info("LOYALTY_PROGRAM_FILE not set, using the standard program")
		return loyalty.NewStaticProgram(p), nil
	}

	w, err := config.NewProgramWatcher(cfg.ProgramFile, log)
	if err != nil {
		return nil, fmt.Errorf("load program: %w", err)
	}
	if cfg.ProgramWatch {
		w.OnChange(func(p *loyalty.Program) {
			log.WithField("program_version", p.Version).Info("loyalty program changed")
		})
		w.Watch()
	}
	return w, nil
}
