package db

import (
	"context"
	"database/sql"
	"errors"
)

// Conn is one connection taken out of the pool for the exclusive use of a
// single caller. It models the auto-commit switch of a classic driver
// connection on top of database/sql:
//
//   - a fresh Conn is in auto-commit mode: every statement commits on its own;
//   - SetAutoCommit(ctx, false) opens a transaction that groups every
//     following statement until Commit or Rollback;
//   - after Commit or Rollback the next statement opens a new transaction
//     for as long as auto-commit stays off;
//   - SetAutoCommit(ctx, true) with a transaction still open commits it.
//
// A Conn is not safe for concurrent use. Close returns it to the pool.
type Conn struct {
	conn       *sql.Conn
	tx         *sql.Tx
	autoCommit bool
	txOpts     *sql.TxOptions

	dialect     Dialect
	nativeBatch bool
	hooks       hookChain
	errMap      ErrorMapper
}

// Acquire takes a dedicated connection from the pool. Failure to obtain one
// is reported as ErrConnectionFailed.
func (d *DB) Acquire(ctx context.Context, opts ...TxOptions) (*Conn, error) {
	c, err := d.sqldb.Conn(ctx)
	if err != nil {
		return nil, &DBError{Sentinel: ErrConnectionFailed, Cause: err, Message: "acquire connection"}
	}
	conn := &Conn{
		conn:        c,
		autoCommit:  true,
		dialect:     d.Dialect(),
		nativeBatch: d.cfg.DriverName == "pgx",
		hooks:       d.hooks,
		errMap:      d.errMap,
	}
	if len(opts) > 0 {
		conn.txOpts = opts[0].sqlOptions()
	}
	return conn, nil
}

// Raw returns the underlying *sql.Conn.
func (c *Conn) Raw() *sql.Conn { return c.conn }

// Dialect returns the SQL dialect of the database the connection belongs to.
func (c *Conn) Dialect() Dialect { return c.dialect }

// AutoCommit reports whether the connection is in auto-commit mode.
func (c *Conn) AutoCommit() bool { return c.autoCommit }

// InTx reports whether a transaction is currently open on the connection.
func (c *Conn) InTx() bool { return c.tx != nil }

// SetAutoCommit switches the connection's transactional mode. Turning it off
// begins a transaction immediately; turning it on commits any open one.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	if on == c.autoCommit {
		return nil
	}
	if on {
		if c.tx != nil {
			if err := c.finish(c.tx.Commit); err != nil {
				return err
			}
		}
		c.autoCommit = true
		return nil
	}
	if err := c.begin(ctx); err != nil {
		return err
	}
	c.autoCommit = false
	return nil
}

// Commit makes every statement since the last transaction boundary durable.
func (c *Conn) Commit(ctx context.Context) error {
	if c.autoCommit {
		return ErrAutoCommit
	}
	if c.tx == nil {
		return nil
	}
	return c.finish(c.tx.Commit)
}

// Rollback discards every statement since the last transaction boundary.
// A transaction database/sql already rolled back because its context ended
// counts as rolled back.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.autoCommit {
		return ErrAutoCommit
	}
	if c.tx == nil {
		return nil
	}
	return c.finish(c.rollback)
}

// Close rolls back any open transaction and returns the connection to the
// pool. The auto-commit mode is not carried over to the next borrower.
func (c *Conn) Close() error {
	var rbErr error
	if c.tx != nil {
		rbErr = c.finish(c.rollback)
	}
	c.autoCommit = true
	return errors.Join(rbErr, c.conn.Close())
}

// Exec executes a statement that does not return rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ex, err := c.executor(ctx)
	if err != nil {
		return nil, err
	}
	return execWithHooks(ctx, ex, c.hooks, c.errMap, query, args)
}

// Query executes a query returning rows. The caller MUST close *sql.Rows.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ex, err := c.executor(ctx)
	if err != nil {
		return nil, err
	}
	return queryWithHooks(ctx, ex, c.hooks, c.errMap, query, args)
}

// QueryRow executes a query expected to return at most one row. If a new
// transaction cannot be opened the error surfaces from Scan.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *Row {
	ex, err := c.executor(ctx)
	if err != nil {
		return &Row{err: err, errMap: c.errMap}
	}
	return queryRowWithHooks(ctx, ex, c.hooks, c.errMap, query, args)
}

// Prepare creates a prepared statement bound to the current transaction, or
// to the connection in auto-commit mode.
func (c *Conn) Prepare(ctx context.Context, query string) (*Stmt, error) {
	ex, err := c.executor(ctx)
	if err != nil {
		return nil, err
	}
	s, err := ex.PrepareContext(ctx, query)
	if err != nil {
		return nil, mapWith(c.errMap, err)
	}
	return &Stmt{stmt: s, query: query, hooks: c.hooks, errMap: c.errMap}, nil
}

// executor returns where the next statement runs: the open transaction, a
// newly begun one when auto-commit is off, or the bare connection.
func (c *Conn) executor(ctx context.Context) (executor, error) {
	if c.autoCommit {
		return c.conn, nil
	}
	if c.tx == nil {
		if err := c.begin(ctx); err != nil {
			return nil, err
		}
	}
	return c.tx, nil
}

func (c *Conn) begin(ctx context.Context) error {
	tx, err := c.conn.BeginTx(ctx, c.txOpts)
	if err != nil {
		return mapWith(c.errMap, err)
	}
	c.tx = tx
	return nil
}

func (c *Conn) rollback() error {
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// finish ends the open transaction with commit or rollback. database/sql
// marks the transaction done even when the driver call fails, so the
// connection never keeps a dead *sql.Tx around.
func (c *Conn) finish(end func() error) error {
	err := end()
	c.tx = nil
	return mapWith(c.errMap, err)
}
