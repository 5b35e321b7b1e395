/*
config.go - Environment configuration

All settings come from environment variables. cmd/server may override PORT
and the SQLite path with flags.

  PORT                        HTTP port (8080)
  APP_ENV                     development | production (production)
  LOG_LEVEL                   zerolog level (info)
  DB_DRIVER                   sqlite | postgres (sqlite)
  SQLITE_PATH                 SQLite file, ":memory:" allowed (leave.db)
  DATABASE_URL                Postgres DSN, required for postgres
  FINANCIAL_YEAR_START_MONTH  1-12 (4)
  WRITE_RETRIES               Recorder retries on write conflicts (3)
  RECONCILE_ENABLED           Run the reconciliation scheduler (false)
  RECONCILE_INTERVAL          Scheduler interval (1h)
  RECONCILE_CONCURRENCY       Accounts reconciled in parallel (4)
  RECONCILE_TENANTS           Comma separated tenants, empty means all
  CORS_ALLOWED_ORIGINS        Comma separated origins
*/
package config

import (
	"errors"
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"leave.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	FinancialYearStartMonth int `env:"FINANCIAL_YEAR_START_MONTH" envDefault:"4"`
	WriteRetries            int `env:"WRITE_RETRIES" envDefault:"3"`

	ReconcileEnabled     bool          `env:"RECONCILE_ENABLED" envDefault:"false"`
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1h"`
	ReconcileConcurrency int           `env:"RECONCILE_CONCURRENCY" envDefault:"4"`
	ReconcileTenants     []string      `env:"RECONCILE_TENANTS" envSeparator:","`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q must be %q or %q", c.DBDriver, DriverSQLite, DriverPostgres))
	}
	if c.FinancialYearStartMonth < 1 || c.FinancialYearStartMonth > 12 {
		errs = append(errs, fmt.Errorf("FINANCIAL_YEAR_START_MONTH %d must be 1-12", c.FinancialYearStartMonth))
	}
	if c.WriteRetries < 0 {
		errs = append(errs, fmt.Errorf("WRITE_RETRIES %d must not be negative", c.WriteRetries))
	}
	if c.ReconcileEnabled && c.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_INTERVAL %s must be positive", c.ReconcileInterval))
	}
	if c.ReconcileConcurrency < 1 {
		errs = append(errs, fmt.Errorf("RECONCILE_CONCURRENCY %d must be at least 1", c.ReconcileConcurrency))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether APP_ENV selects development mode.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// FinancialYearStart returns the configured first month of the financial year.
func (c Config) FinancialYearStart() time.Month {
	return time.Month(c.FinancialYearStartMonth)
}
