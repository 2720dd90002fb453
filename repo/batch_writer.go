package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/guillem2121/userstore/db"
	"github.com/guillem2121/userstore/models"
)

// Conn is the part of *db.Conn the batch writer drives: auto-commit control,
// statement execution and batching on one dedicated connection.
type Conn interface {
	Dialect() db.Dialect
	SetAutoCommit(ctx context.Context, on bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	ExecBatch(ctx context.Context, b *db.Batch) ([]int64, error)
	Close() error
}

// ConnProvider hands out dedicated connections.
type ConnProvider interface {
	Acquire(ctx context.Context) (Conn, error)
}

var _ Conn = (*db.Conn)(nil)

// Connections adapts a pool to ConnProvider.
func Connections(d *db.DB) ConnProvider { return poolConns{d: d} }

type poolConns struct{ d *db.DB }

func (p poolConns) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.d.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// BatchWriter inserts groups of users as one atomic unit of work: every
// record is persisted, or none is.
//
// Each call takes its own connection, switches auto-commit off, writes, and
// commits. Any store failure rolls the unit back. Whatever the outcome,
// auto-commit is switched back on and the connection returned to the pool;
// failures of that cleanup are logged and never change the result.
//
// Generated ids are not read back; callers needing them should look rows up
// by email afterwards.
type BatchWriter struct {
	conns  ConnProvider
	logger *slog.Logger
	now    func() time.Time
	retry  *db.RetryConfig
}

// Option configures a BatchWriter.
type Option func(*BatchWriter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *BatchWriter) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock replaces the source of created_at/updated_at values.
func WithClock(now func() time.Time) Option {
	return func(w *BatchWriter) {
		if now != nil {
			w.now = now
		}
	}
}

// WithRetry reruns a whole unit of work that failed with a transient error
// (deadlock or timeout by default). Only units that were rolled back are
// retried, so a retry never duplicates rows.
func WithRetry(cfg db.RetryConfig) Option {
	return func(w *BatchWriter) {
		base := cfg.RetryOn
		if base == nil {
			base = func(err error) bool { return db.IsDeadlock(err) || db.IsTimeout(err) }
		}
		cfg.RetryOn = func(err error) bool { return IsExecution(err) && !IsRollback(err) && base(err) }
		w.retry = &cfg
	}
}

// NewBatchWriter returns a BatchWriter drawing connections from conns.
func NewBatchWriter(conns ConnProvider, opts ...Option) *BatchWriter {
	w := &BatchWriter{
		conns:  conns,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// BatchInsert enqueues one INSERT per user and sends them to the store in a
// single batch inside one transaction. It returns the number of statements
// the store reported as successful.
//
// A count below len(users) without a store error is logged as a warning and
// the transaction is still committed. Empty input commits an empty
// transaction and returns 0.
func (w *BatchWriter) BatchInsert(ctx context.Context, users []models.User) (int, error) {
	var inserted int
	err := w.run(ctx, "batch insert", len(users), func(ctx context.Context, conn Conn, log *slog.Logger) error {
		inserted = 0
		b := db.BatchOf(db.Rebind(conn.Dialect(), sqlInsertUser), users, w.bind)

		codes, err := conn.ExecBatch(ctx, b)
		if err != nil {
			return err
		}
		for _, code := range codes {
			if db.Succeeded(code) {
				inserted++
			}
		}
		if inserted != len(users) {
			log.WarnContext(ctx, "batch insert: result count mismatch",
				slog.Int("requested", len(users)),
				slog.Int("succeeded", inserted),
			)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// TransferUsers inserts users one statement at a time inside one transaction.
// The first failing statement rolls back every earlier one.
func (w *BatchWriter) TransferUsers(ctx context.Context, users []models.User) (int, error) {
	var inserted int
	err := w.run(ctx, "transfer", len(users), func(ctx context.Context, conn Conn, _ *slog.Logger) error {
		inserted = 0
		query := db.Rebind(conn.Dialect(), sqlInsertUser)
		for i, u := range users {
			if _, err := conn.Exec(ctx, query, w.bind(u)...); err != nil {
				return fmt.Errorf("record %d of %d: %w", i+1, len(users), err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// bind returns the seven INSERT parameters for u: name, email, department,
// role, active, created_at, updated_at.
func (w *BatchWriter) bind(u models.User) []any {
	now := w.now()
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return []any{u.Name, u.Email, u.Department, u.Role, u.IsActive(), createdAt, now}
}

type unitFunc func(ctx context.Context, conn Conn, log *slog.Logger) error

func (w *BatchWriter) run(ctx context.Context, op string, size int, fn unitFunc) error {
	if w.retry == nil {
		return w.unitOfWork(ctx, op, size, fn)
	}
	return db.WithRetry(ctx, *w.retry, func() error {
		return w.unitOfWork(ctx, op, size, fn)
	})
}

// unitOfWork runs fn on a fresh connection with auto-commit off and decides
// between commit and rollback.
func (w *BatchWriter) unitOfWork(ctx context.Context, op string, size int, fn unitFunc) error {
	log := w.logger.With(
		slog.String("batch_id", uuid.NewString()),
		slog.String("op", op),
		slog.Int("records", size),
	)
	start := time.Now()

	conn, err := w.conns.Acquire(ctx)
	if err != nil {
		log.ErrorContext(ctx, op+": acquire connection", slog.Any("error", err))
		return fmt.Errorf("repo/batch: %s: acquire connection: %w", op, err)
	}
	defer w.release(ctx, conn, log, op)

	defer func() {
		if p := recover(); p != nil {
			if rbErr := conn.Rollback(ctx); rbErr != nil {
				log.ErrorContext(ctx, op+": rollback after panic", slog.Any("error", rbErr))
			}
			panic(p)
		}
	}()

	if err := conn.SetAutoCommit(ctx, false); err != nil {
		log.ErrorContext(ctx, op+": disable auto-commit", slog.Any("error", err))
		return fmt.Errorf("repo/batch: %s: disable auto-commit: %w", op, err)
	}

	if err := fn(ctx, conn, log); err != nil {
		return w.abort(ctx, conn, log, op, err)
	}
	if err := conn.Commit(ctx); err != nil {
		return w.abort(ctx, conn, log, op, fmt.Errorf("commit: %w", err))
	}

	log.InfoContext(ctx, op+": committed", slog.Duration("duration", time.Since(start)))
	return nil
}

// abort rolls back after cause. A failed rollback is reported in place of
// cause.
func (w *BatchWriter) abort(ctx context.Context, conn Conn, log *slog.Logger, op string, cause error) error {
	if rbErr := conn.Rollback(ctx); rbErr != nil {
		log.ErrorContext(ctx, op+": rollback failed",
			slog.Any("error", rbErr),
			slog.Any("cause", cause),
		)
		return fmt.Errorf("%w: %s: %w (after: %v)", ErrRollback, op, rbErr, cause)
	}
	log.WarnContext(ctx, op+": rolled back", slog.Any("error", cause))
	return fmt.Errorf("%w: %s: %w", ErrExecution, op, cause)
}

// release restores auto-commit and returns the connection. The outcome is
// already decided, so errors are only logged.
func (w *BatchWriter) release(ctx context.Context, conn Conn, log *slog.Logger, op string) {
	if err := conn.SetAutoCommit(ctx, true); err != nil {
		log.ErrorContext(ctx, op+": restore auto-commit", slog.Any("error", err))
	}
	if err := conn.Close(); err != nil {
		log.ErrorContext(ctx, op+": release connection", slog.Any("error", err))
	}
}
