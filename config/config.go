/*
Package config loads process settings and the loyalty program.

PURPOSE:
  Two kinds of configuration with different lifecycles:

    1. Process settings (listen address, store, secrets, schedules) come from
       environment variables, optionally seeded from a .env file. They are
       read once at startup.
    2. The loyalty program (rates, tiers, expiry) lives in a YAML or JSON
       file that marketing may edit while the server runs. ProgramWatcher
       reloads it and hot-swaps the engine's program.

ENVIRONMENT:
  LOYALTY_ADDR                  listen address (default :8080)
  LOYALTY_STORE                 memory | sqlite | postgres (default sqlite)
  LOYALTY_SQLITE_PATH           sqlite file (default loyalty.db)
  DATABASE_URL                  postgres URL, required for LOYALTY_STORE=postgres
  DATABASE_MAX_CONNS            postgres pool size (default 10)
  LOYALTY_PROGRAM_FILE          program document; empty uses the standard preset
  LOYALTY_PROGRAM_WATCH         reload the program file on change (default true)
  LOG_LEVEL / LOG_FORMAT        logrus level and "json" | "text"
  OPERATION_TIMEOUT             per-operation timeout (default 3s)
  MAINTENANCE_CRON              schedule for RunMaintenance (default "0 3 * * *")
  MAINTENANCE_SECRET            HS256 key for maintenance bearer tokens
  MAINTENANCE_PAGE_SIZE         customers per page (default 200)
  MAINTENANCE_LOCK_TTL          run lock lifetime (default 30m)
  WEBHOOK_URL / WEBHOOK_SECRET  event webhook target and signing key
  WEBHOOK_MAX_ATTEMPTS          delivery attempts per event (default 5)
  EVENT_BUFFER                  dispatcher queue size (default 1024)
  CORS_ALLOWED_ORIGINS          comma separated
  SHUTDOWN_TIMEOUT              graceful shutdown budget (default 30s)

SEE ALSO:
  - config/program.go: Program file watcher
  - cmd/server/main.go: Wiring
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	// Server
	Addr            string        `env:"LOYALTY_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// Store
	Store            string `env:"LOYALTY_STORE" envDefault:"sqlite"`
	SQLitePath       string `env:"LOYALTY_SQLITE_PATH" envDefault:"loyalty.db"`
	DatabaseURL      string `env:"DATABASE_URL"`
	DatabaseMaxConns int32  `env:"DATABASE_MAX_CONNS" envDefault:"10"`

	// Program
	ProgramFile  string `env:"LOYALTY_PROGRAM_FILE"`
	ProgramWatch bool   `env:"LOYALTY_PROGRAM_WATCH" envDefault:"true"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Engine
	OperationTimeout time.Duration `env:"OPERATION_TIMEOUT" envDefault:"3s"`

	// Maintenance
	MaintenanceCron     string        `env:"MAINTENANCE_CRON" envDefault:"0 3 * * *"`
	MaintenanceSecret   string        `env:"MAINTENANCE_SECRET"`
	MaintenancePageSize int           `env:"MAINTENANCE_PAGE_SIZE" envDefault:"200"`
	MaintenanceLockTTL  time.Duration `env:"MAINTENANCE_LOCK_TTL" envDefault:"30m"`

	// Notifications
	WebhookURL         string `env:"WEBHOOK_URL"`
	WebhookSecret      string `env:"WEBHOOK_SECRET"`
	WebhookMaxAttempts int    `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"5"`
	EventBuffer        int    `env:"EVENT_BUFFER" envDefault:"1024"`
}

// Load reads the given .env files (".env" when none are named) and then the
// environment. A missing .env file is not an error; variables already set
// in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be expressed as env defaults.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required when LOYALTY_STORE=postgres")
		}
	default:
		return fmt.Errorf("config: unknown LOYALTY_STORE %q", c.Store)
	}
	if c.OperationTimeout <= 0 {
		return errors.New("config: OPERATION_TIMEOUT must be positive")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return errors.New("config: WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	return nil
}

// MaintenanceAuthEnabled reports whether the maintenance endpoint accepts
// bearer tokens. Without a secret the endpoint is not mounted.
func (c *Config) MaintenanceAuthEnabled() bool {
	return c.MaintenanceSecret != ""
}
