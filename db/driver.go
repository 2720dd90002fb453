package db

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Dialect identifies the SQL flavour a driver speaks. Repositories use it to
// pick placeholder syntax and introspection queries.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite3"
)

// DialectOf maps a database/sql driver name to its dialect. Unknown names
// fall back to DialectPostgres.
func DialectOf(driverName string) Dialect {
	switch driverName {
	case "mysql":
		return DialectMySQL
	case "sqlite3", "sqlite":
		return DialectSQLite
	default:
		return DialectPostgres
	}
}

// Rebind rewrites the $1..$N placeholders of query into the form dialect
// expects. PostgreSQL and SQLite accept $N as written; MySQL wants ?.
// Placeholders must appear in ascending order, each at most once.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectMySQL {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && isDigit(query[i+1]) {
			b.WriteByte('?')
			for i+1 < len(query) && isDigit(query[i+1]) {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Driver encapsulates database-specific behaviour:
//   - building a DSN from structured options
//   - naming the SQL dialect the driver speaks
//   - providing a driver-specific ErrorMapper
type Driver interface {
	// Name returns the name passed to sql.Register, e.g. "pgx", "mysql".
	Name() string

	// DSN converts structured options into a driver DSN string.
	DSN(opts DriverOptions) (string, error)

	// Dialect returns the SQL dialect of the driver.
	Dialect() Dialect

	// ErrorMapper returns a mapper tuned to this driver's error types.
	ErrorMapper() ErrorMapper
}

// DriverOptions carries the most common connection parameters in a structured,
// driver-agnostic form. DSN() converts them to the driver's native format.
type DriverOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-full", etc.
	// Extra holds driver-specific key/value parameters.
	Extra map[string]string
}

// ─────────────────────────────────────────────────────────────────────────────
// Driver registry
// ─────────────────────────────────────────────────────────────────────────────

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{
		"postgres": PostgresDriver{},
		"pgx":      PgxDriver{},
		"mysql":    MySQLDriver{},
		"sqlite3":  SQLiteDriver{},
	}
)

// RegisterDriver adds a Driver to the registry.
// Panics if a driver with the same name is already registered (use ReplaceDriver
// to override).
func RegisterDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, ok := drivers[d.Name()]; ok {
		panic(fmt.Sprintf("userstore/db: driver %q already registered", d.Name()))
	}
	drivers[d.Name()] = d
}

// ReplaceDriver upserts a driver in the registry (no panic on collision).
func ReplaceDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d.Name()] = d
}

// LookupDriver returns the registered Driver by name or an error.
func LookupDriver(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("userstore/db: driver %q not registered", name)
	}
	return d, nil
}

// OpenWithDriver opens a DB using a registered Driver and structured options,
// removing the need for manual DSN construction. The database/sql driver
// itself must be linked in by a blank import of its package.
//
//	d, err := db.OpenWithDriver("pgx", db.DriverOptions{
//	    Host: "localhost", Port: 5432,
//	    User: "app", Password: "secret", Database: "users",
//	}, db.Config{MaxOpenConns: 25})
func OpenWithDriver(driverName string, driverOpts DriverOptions, cfg Config) (*DB, error) {
	drv, err := LookupDriver(driverName)
	if err != nil {
		return nil, err
	}

	dsn, err := drv.DSN(driverOpts)
	if err != nil {
		return nil, fmt.Errorf("userstore/db: DSN construction failed: %w", err)
	}

	cfg.DriverName = drv.Name()
	cfg.DSN = dsn

	d, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	d.SetErrorMapper(ChainMapper(drv.ErrorMapper(), DefaultErrorMapper()))
	return d, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PostgreSQL driver adapters (lib/pq and pgx)
// ─────────────────────────────────────────────────────────────────────────────

// PostgresDriver is the lib/pq adapter.
// Import _ "github.com/lib/pq" alongside this to activate.
type PostgresDriver struct{}

func (PostgresDriver) Name() string     { return "postgres" }
func (PostgresDriver) Dialect() Dialect { return DialectPostgres }

func (PostgresDriver) DSN(o DriverOptions) (string, error) {
	return postgresKeywordDSN("postgres", o)
}

func (PostgresDriver) ErrorMapper() ErrorMapper { return DefaultErrorMapper() }

// PgxDriver is the pgx stdlib adapter. It accepts the same keyword/value
// DSN as lib/pq and unlocks native batching on Conn.ExecBatch.
// Import _ "github.com/jackc/pgx/v5/stdlib" alongside this to activate.
type PgxDriver struct{}

func (PgxDriver) Name() string     { return "pgx" }
func (PgxDriver) Dialect() Dialect { return DialectPostgres }

func (PgxDriver) DSN(o DriverOptions) (string, error) {
	return postgresKeywordDSN("pgx", o)
}

func (PgxDriver) ErrorMapper() ErrorMapper { return DefaultErrorMapper() }

func postgresKeywordDSN(name string, o DriverOptions) (string, error) {
	if o.Host == "" || o.Database == "" {
		return "", fmt.Errorf("%s driver: Host and Database are required", name)
	}
	port := o.Port
	if port == 0 {
		port = 5432
	}
	sslMode := o.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		o.Host, port, o.User, quoteKeywordValue(o.Password), o.Database, sslMode,
	)
	for _, k := range sortedKeys(o.Extra) {
		dsn += fmt.Sprintf(" %s=%s", k, quoteKeywordValue(o.Extra[k]))
	}
	return dsn, nil
}

// quoteKeywordValue quotes values that would otherwise break keyword/value
// parsing (empty, or containing spaces or quotes).
func quoteKeywordValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// ─────────────────────────────────────────────────────────────────────────────
// MySQL driver adapter
// ─────────────────────────────────────────────────────────────────────────────

// MySQLDriver is the go-sql-driver/mysql adapter.
type MySQLDriver struct{}

func (MySQLDriver) Name() string     { return "mysql" }
func (MySQLDriver) Dialect() Dialect { return DialectMySQL }

func (MySQLDriver) DSN(o DriverOptions) (string, error) {
	if o.Host == "" || o.Database == "" {
		return "", fmt.Errorf("mysql driver: Host and Database are required")
	}
	port := o.Port
	if port == 0 {
		port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		o.User, o.Password, o.Host, port, o.Database)
	for _, k := range sortedKeys(o.Extra) {
		dsn += fmt.Sprintf("&%s=%s", k, url.QueryEscape(o.Extra[k]))
	}
	return dsn, nil
}

func (MySQLDriver) ErrorMapper() ErrorMapper { return DefaultErrorMapper() }

// ─────────────────────────────────────────────────────────────────────────────
// SQLite driver adapter
// ─────────────────────────────────────────────────────────────────────────────

// SQLiteDriver is the mattn/go-sqlite3 adapter.
type SQLiteDriver struct{}

func (SQLiteDriver) Name() string     { return "sqlite3" }
func (SQLiteDriver) Dialect() Dialect { return DialectSQLite }

func (SQLiteDriver) DSN(o DriverOptions) (string, error) {
	if o.Database == "" {
		return "", fmt.Errorf("sqlite3 driver: Database (file path) is required")
	}
	dsn := o.Database
	for i, k := range sortedKeys(o.Extra) {
		sep := "&"
		if i == 0 {
			sep = "?"
		}
		dsn += sep + k + "=" + url.QueryEscape(o.Extra[k])
	}
	return dsn, nil
}

func (SQLiteDriver) ErrorMapper() ErrorMapper { return DefaultErrorMapper() }

// sortedKeys keeps generated DSNs stable across runs.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
