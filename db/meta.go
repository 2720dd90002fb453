package db

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
)

// Info describes the database behind a DB.
type Info struct {
	Product              string `json:"product"`
	Version              string `json:"version"`
	Driver               string `json:"driver"`
	URL                  string `json:"url"`
	User                 string `json:"user"`
	SupportsBatch        bool   `json:"supports_batch"`
	NativeBatch          bool   `json:"native_batch"`
	SupportsTransactions bool   `json:"supports_transactions"`
}

// String renders the multi-line report printed by the CLI walkthrough.
func (i *Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s %s\n", i.Product, i.Version)
	fmt.Fprintf(&b, "Driver: %s\n", i.Driver)
	fmt.Fprintf(&b, "URL: %s\n", i.URL)
	fmt.Fprintf(&b, "User: %s\n", i.User)
	fmt.Fprintf(&b, "Supports batch: %t\n", i.SupportsBatch)
	fmt.Fprintf(&b, "Supports transactions: %t", i.SupportsTransactions)
	return b.String()
}

// Column is one column of a table as reported by the catalog.
type Column struct {
	Name     string `json:"name"`
	TypeName string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Info queries the server version and combines it with what the DSN says
// about the connection. The password never appears in the result.
func (d *DB) Info(ctx context.Context) (*Info, error) {
	dialect := d.Dialect()

	info := &Info{
		Driver:               d.cfg.DriverName,
		SupportsBatch:        true,
		NativeBatch:          d.cfg.DriverName == "pgx",
		SupportsTransactions: true,
	}

	var versionQuery string
	switch dialect {
	case DialectMySQL:
		info.Product = "MySQL"
		versionQuery = `SELECT VERSION()`
	case DialectSQLite:
		info.Product = "SQLite"
		versionQuery = `SELECT sqlite_version()`
	default:
		info.Product = "PostgreSQL"
		versionQuery = `SELECT version()`
	}

	if err := d.QueryRow(ctx, versionQuery).Scan(&info.Version); err != nil {
		return nil, fmt.Errorf("userstore/db: server version: %w", err)
	}

	info.URL, info.User = describeDSN(dialect, d.cfg.DSN)
	return info, nil
}

// describeDSN returns a password-free rendition of dsn and the user it
// connects as. Unparseable DSNs yield empty strings.
func describeDSN(dialect Dialect, dsn string) (redacted, user string) {
	switch dialect {
	case DialectMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", ""
		}
		user = cfg.User
		cfg.Passwd = ""
		return "mysql://" + cfg.FormatDSN(), user
	case DialectSQLite:
		path, _, _ := strings.Cut(dsn, "?")
		return "sqlite3://" + path, ""
	default:
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return "", ""
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.User(cfg.User),
			Host:   cfg.Host + ":" + strconv.Itoa(int(cfg.Port)),
			Path:   "/" + cfg.Database,
		}
		return u.String(), cfg.User
	}
}

// Columns lists the columns of table in ordinal order. A table with no
// visible columns is reported as ErrNotFound.
func (d *DB) Columns(ctx context.Context, table string) ([]Column, error) {
	var query string
	switch d.Dialect() {
	case DialectMySQL:
		query = `SELECT column_name, data_type, is_nullable
			FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ?
			ORDER BY ordinal_position`
	case DialectSQLite:
		query = `SELECT name, type, CASE WHEN "notnull" = 0 THEN 'YES' ELSE 'NO' END
			FROM pragma_table_info(?)
			ORDER BY cid`
	default:
		query = `SELECT column_name, data_type, is_nullable
			FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1
			ORDER BY ordinal_position`
	}

	rows, err := d.Query(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("userstore/db: columns of %q: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c        Column
			nullable string
		)
		if err := rows.Scan(&c.Name, &c.TypeName, &nullable); err != nil {
			return nil, fmt.Errorf("userstore/db: scan column: %w", d.mapErr(err))
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userstore/db: columns of %q: %w", table, d.mapErr(err))
	}
	if len(cols) == 0 {
		return nil, &DBError{Sentinel: ErrNotFound, Cause: fmt.Errorf("table %q", table), Message: "no such table"}
	}
	return cols, nil
}
