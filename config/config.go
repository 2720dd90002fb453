// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/guillem2121/userstore/db"
	"github.com/guillem2121/userstore/migrations"
)

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Server      struct {
		Port            string        `env:"PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
		WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	} `envPrefix:"SERVER_"`
	Database       Database `envPrefix:"DATABASE_"`
	MigrationsPath string   `env:"MIGRATIONS_PATH"`
}

// Database selects and tunes the store. URL wins over the structured fields.
type Database struct {
	Driver   string `env:"DRIVER" envDefault:"pgx"`
	URL      string `env:"URL"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     int    `env:"PORT"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`

	MaxOpenConns       int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns       int           `env:"MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime    time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime    time.Duration `env:"CONN_MAX_IDLE_TIME" envDefault:"5m"`
	QueryTimeout       time.Duration `env:"QUERY_TIMEOUT" envDefault:"10s"`
	SlowQueryThreshold time.Duration `env:"SLOW_QUERY_THRESHOLD" envDefault:"200ms"`
	LogArgs            bool          `env:"LOG_ARGS"`
	BatchAttempts      int           `env:"BATCH_ATTEMPTS" envDefault:"1"`
}

// Load reads an optional .env file from the working directory, then parses
// the environment. Variables already set take precedence over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		var aggErr env.AggregateError
		if errors.As(err, &aggErr) && len(aggErr.Errors) > 0 {
			return nil, fmt.Errorf("config: %w", aggErr.Errors[0])
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := db.LookupDriver(c.Database.Driver); err != nil {
		return fmt.Errorf("config: DATABASE_DRIVER: %w", err)
	}
	if c.Database.URL == "" && c.Database.Name == "" {
		return errors.New("config: DATABASE_URL or DATABASE_NAME is required")
	}
	if c.Database.BatchAttempts < 1 {
		return fmt.Errorf("config: DATABASE_BATCH_ATTEMPTS must be at least 1, got %d", c.Database.BatchAttempts)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Environment == "production" }

// DriverOptions returns the structured connection fields.
func (d Database) DriverOptions() db.DriverOptions {
	return db.DriverOptions{
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Name,
		SSLMode:  d.SSLMode,
	}
}

// DSN returns DATABASE_URL when set. Otherwise it builds one from the
// structured fields; PostgreSQL gets the URL form so the same value can be
// handed to the migrator.
func (d Database) DSN() (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}
	if db.DialectOf(d.Driver) == db.DialectPostgres {
		port := d.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
			Path:   "/" + d.Name,
		}
		if d.User != "" {
			u.User = url.UserPassword(d.User, d.Password)
		}
		if d.SSLMode != "" {
			u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
		}
		return u.String(), nil
	}
	drv, err := db.LookupDriver(d.Driver)
	if err != nil {
		return "", err
	}
	return drv.DSN(d.DriverOptions())
}

// MigrateURL is the golang-migrate database URL for the configured store.
func (d Database) MigrateURL() (string, error) {
	dsn, err := d.DSN()
	if err != nil {
		return "", err
	}
	return migrations.URL(d.Driver, dsn), nil
}

// Pool returns the db.Config for the configured pool. DSN and DriverName are
// filled in by Open.
func (d Database) Pool(hooks ...db.Hook) db.Config {
	return db.Config{
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
		DefaultTimeout:  d.QueryTimeout,
		Hooks:           hooks,
	}
}

// Open connects to the configured store. The database/sql driver must be
// linked in by the caller.
func (d Database) Open(hooks ...db.Hook) (*db.DB, error) {
	cfg := d.Pool(hooks...)
	if d.URL != "" {
		cfg.DSN = d.URL
		cfg.DriverName = d.Driver
		return db.Open(cfg)
	}
	return db.OpenWithDriver(d.Driver, d.DriverOptions(), cfg)
}

// Retry is the batch writer retry policy. A single attempt disables retries.
func (d Database) Retry() (db.RetryConfig, bool) {
	return db.RetryConfig{MaxAttempts: d.BatchAttempts, Delay: 50 * time.Millisecond}, d.BatchAttempts > 1
}

// LogHook logs statements through logger with the configured slow-query
// threshold.
func (d Database) LogHook(logger *slog.Logger) db.Hook {
	return db.NewLogHook(db.LogHookConfig{
		Logger:             logger,
		SlowQueryThreshold: d.SlowQueryThreshold,
		LogArgs:            d.LogArgs,
	})
}

// NewLogger builds the process logger: JSON in production, text elsewhere.
func NewLogger(c *Config, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.IsProduction() {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, err
	}
	return l, nil
}
