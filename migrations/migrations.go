// Package migrations carries the users schema for every supported dialect and
// applies it with golang-migrate. The db and repo packages never migrate on
// their own; binaries and tests call Up before using them.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/guillem2121/userstore/db"
)

//go:embed postgres/*.sql mysql/*.sql sqlite3/*.sql
var files embed.FS

// DialectOf returns the schema dialect for a golang-migrate database URL
// (postgres://, postgresql://, pgx5://, mysql://, sqlite3://).
func DialectOf(databaseURL string) (db.Dialect, error) {
	scheme, _, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return "", fmt.Errorf("migrations: %q is not a URL", redact(databaseURL))
	}
	switch scheme {
	case "postgres", "postgresql", "pgx5", "pgx":
		return db.DialectPostgres, nil
	case "mysql":
		return db.DialectMySQL, nil
	case "sqlite3":
		return db.DialectSQLite, nil
	}
	return "", fmt.Errorf("migrations: unsupported scheme %q", scheme)
}

// URL turns an application DSN into the URL golang-migrate expects for
// driverName. DSNs that already carry a scheme are returned unchanged, which
// covers PostgreSQL URLs; keyword/value PostgreSQL DSNs are not translated.
func URL(driverName, dsn string) string {
	if strings.Contains(dsn, "://") {
		return dsn
	}
	switch db.DialectOf(driverName) {
	case db.DialectMySQL:
		return "mysql://" + dsn
	case db.DialectSQLite:
		return "sqlite3://" + strings.TrimPrefix(dsn, "file:")
	}
	return dsn
}

// New returns a Migrate instance over the embedded schema matching the
// dialect of databaseURL. The caller must Close it.
func New(databaseURL string) (*migrate.Migrate, error) {
	dialect, err := DialectOf(databaseURL)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(files, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("migrations: embedded source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: init: %w", err)
	}
	m.Log = NewLogger(slog.Default(), false)
	return m, nil
}

// NewFromPath is New with the migration files read from dir instead of the
// embedded copy.
func NewFromPath(dir, databaseURL string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: init from %s: %w", dir, err)
	}
	m.Log = NewLogger(slog.Default(), false)
	return m, nil
}

// Up applies every pending embedded migration. An up-to-date schema is not
// an error.
func Up(databaseURL string) error {
	m, err := New(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Logger adapts slog to migrate.Logger.
type Logger struct {
	l       *slog.Logger
	verbose bool
}

// NewLogger returns a migrate.Logger writing through l.
func NewLogger(l *slog.Logger, verbose bool) *Logger {
	return &Logger{l: l, verbose: verbose}
}

func (l *Logger) Printf(format string, v ...any) {
	l.l.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *Logger) Verbose() bool { return l.verbose }

func redact(s string) string {
	if at := strings.LastIndex(s, "@"); at >= 0 {
		return "***" + s[at:]
	}
	return s
}
