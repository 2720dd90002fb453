package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Per-statement result codes returned by Conn.ExecBatch, in addition to
// non-negative affected-row counts.
const (
	// SuccessNoInfo marks a statement that succeeded but whose affected-row
	// count the driver could not report.
	SuccessNoInfo int64 = -2

	// ExecuteFailed marks a statement that did not succeed.
	ExecuteFailed int64 = -3
)

// Succeeded reports whether a batch result code counts as a successful
// statement: a non-negative row count or SuccessNoInfo.
func Succeeded(code int64) bool {
	return code >= 0 || code == SuccessNoInfo
}

// Batch is one parameterised statement queued with many argument sets, to
// be sent to the store as a group by Conn.ExecBatch.
//
//	b := db.NewBatch(`INSERT INTO users (name, email) VALUES ($1, $2)`)
//	b.Add("Ada", "ada@example.com")
//	b.Add("Linus", "linus@example.com")
//	codes, err := conn.ExecBatch(ctx, b)
type Batch struct {
	query string
	args  [][]any
}

// NewBatch returns an empty batch for query.
func NewBatch(query string) *Batch {
	return &Batch{query: query}
}

// BatchOf builds a batch with one argument set per item, in item order.
func BatchOf[T any](query string, items []T, argsFn func(T) []any) *Batch {
	b := &Batch{query: query, args: make([][]any, 0, len(items))}
	for _, item := range items {
		b.Add(argsFn(item)...)
	}
	return b
}

// Add queues one argument set.
func (b *Batch) Add(args ...any) { b.args = append(b.args, args) }

// Len returns the number of queued argument sets.
func (b *Batch) Len() int { return len(b.args) }

// Query returns the statement text.
func (b *Batch) Query() string { return b.query }

// Args returns the i-th queued argument set.
func (b *Batch) Args(i int) []any { return b.args[i] }

// BatchError reports the statement that made a batch fail. Codes holds the
// results of the statements that ran before it.
type BatchError struct {
	Index int
	Size  int
	Codes []int64
	Cause error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("userstore/db: batch statement %d of %d failed: %v", e.Index+1, e.Size, e.Cause)
}

func (e *BatchError) Unwrap() error { return e.Cause }

// ExecBatch executes every queued argument set of b on this connection, in
// order, and returns one result code per statement. In auto-commit mode each
// statement commits on its own; otherwise they join the open transaction.
//
// With the pgx driver the whole batch travels in a single round trip. Other
// drivers prepare the statement once and execute it per argument set.
// Execution stops at the first failing statement and a *BatchError is
// returned.
func (c *Conn) ExecBatch(ctx context.Context, b *Batch) ([]int64, error) {
	if b.Len() == 0 {
		return []int64{}, nil
	}
	ex, err := c.executor(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c.hooks.Before(ctx, b.query, nil)

	var codes []int64
	if c.nativeBatch {
		codes, err = c.execBatchPgx(ctx, b)
		if errors.Is(err, errNotPgxConn) {
			codes, err = c.execBatchPrepared(ctx, ex, b)
		}
	} else {
		codes, err = c.execBatchPrepared(ctx, ex, b)
	}

	c.hooks.After(ctx, b.query, nil, time.Since(start), err)
	return codes, err
}

func (c *Conn) execBatchPrepared(ctx context.Context, ex executor, b *Batch) ([]int64, error) {
	stmt, err := ex.PrepareContext(ctx, b.query)
	if err != nil {
		return nil, &BatchError{Index: 0, Size: b.Len(), Codes: []int64{}, Cause: mapWith(c.errMap, err)}
	}
	defer stmt.Close()

	codes := make([]int64, 0, b.Len())
	for i, args := range b.args {
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return codes, &BatchError{Index: i, Size: b.Len(), Codes: codes, Cause: mapWith(c.errMap, err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = SuccessNoInfo
		}
		codes = append(codes, n)
	}
	return codes, nil
}

var errNotPgxConn = errors.New("userstore/db: driver connection is not a pgx connection")

// execBatchPgx reaches the *pgx.Conn behind database/sql and pipelines the
// batch. Statements run inside the transaction already open on the
// connection, if any.
func (c *Conn) execBatchPgx(ctx context.Context, b *Batch) ([]int64, error) {
	codes := make([]int64, 0, b.Len())
	var batchErr error

	err := c.conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errNotPgxConn
		}

		pb := &pgx.Batch{}
		for _, args := range b.args {
			pb.Queue(b.query, args...)
		}

		br := sc.Conn().SendBatch(ctx, pb)
		for i := range b.args {
			tag, err := br.Exec()
			if err != nil {
				batchErr = &BatchError{Index: i, Size: b.Len(), Codes: codes, Cause: mapWith(c.errMap, err)}
				break
			}
			codes = append(codes, tag.RowsAffected())
		}
		closeErr := br.Close()
		if batchErr != nil {
			return batchErr
		}
		return closeErr
	})
	if err != nil {
		if errors.Is(err, errNotPgxConn) {
			return nil, err
		}
		var be *BatchError
		if errors.As(err, &be) {
			return codes, be
		}
		return codes, &BatchError{Index: len(codes), Size: b.Len(), Codes: codes, Cause: mapWith(c.errMap, err)}
	}
	return codes, nil
}
