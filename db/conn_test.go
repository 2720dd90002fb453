package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guillem2121/userstore/db"
)

func TestConn_StartsInAutoCommit(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, conn.AutoCommit())
	assert.False(t, conn.InTx())

	insert(t, conn, "Auto", "auto@conn.com")
	assert.Equal(t, 1, countByEmail(t, d, "auto@conn.com"), "auto-commit insert must be visible to the pool")

	assert.ErrorIs(t, conn.Commit(ctx), db.ErrAutoCommit)
	assert.ErrorIs(t, conn.Rollback(ctx), db.ErrAutoCommit)
}

func TestConn_ManualCommit(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetAutoCommit(ctx, false))
	assert.False(t, conn.AutoCommit())
	assert.True(t, conn.InTx())

	insert(t, conn, "Tx", "tx@conn.com")
	assert.Equal(t, 0, countByEmail(t, d, "tx@conn.com"), "uncommitted row leaked")

	require.NoError(t, conn.Commit(ctx))
	assert.False(t, conn.InTx())
	assert.Equal(t, 1, countByEmail(t, d, "tx@conn.com"))

	// The next statement opens a new transaction while auto-commit stays off.
	insert(t, conn, "Tx2", "tx2@conn.com")
	assert.True(t, conn.InTx())
	require.NoError(t, conn.Rollback(ctx))
	assert.Equal(t, 0, countByEmail(t, d, "tx2@conn.com"))
}

func TestConn_Rollback(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetAutoCommit(ctx, false))
	insert(t, conn, "Gone", "gone@conn.com")
	require.NoError(t, conn.Rollback(ctx))

	assert.Equal(t, 0, countByEmail(t, d, "gone@conn.com"))
	assert.NoError(t, conn.Rollback(ctx), "rollback with nothing open is a no-op")
}

func TestConn_EnablingAutoCommitCommits(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetAutoCommit(ctx, false))
	insert(t, conn, "Flip", "flip@conn.com")
	require.NoError(t, conn.SetAutoCommit(ctx, true))

	assert.True(t, conn.AutoCommit())
	assert.False(t, conn.InTx())
	assert.Equal(t, 1, countByEmail(t, d, "flip@conn.com"))
}

func TestConn_CloseRollsBack(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.SetAutoCommit(ctx, false))
	insert(t, conn, "Orphan", "orphan@conn.com")
	require.NoError(t, conn.Close())

	assert.Equal(t, 0, countByEmail(t, d, "orphan@conn.com"))
}

func TestConn_PoolRestoredAfterClose(t *testing.T) {
	d := newTestDB(t)
	d.Raw().SetMaxOpenConns(1)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.SetAutoCommit(ctx, false))
	require.NoError(t, conn.Close())

	// With a single pooled connection the next borrower gets the same one.
	next, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer next.Close()
	assert.True(t, next.AutoCommit())

	insert(t, next, "After", "after@conn.com")
	require.NoError(t, next.Close())
	assert.Equal(t, 1, countByEmail(t, d, "after@conn.com"))
}

func TestConn_AcquireCanceled(t *testing.T) {
	d := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Acquire(ctx)
	assert.True(t, db.IsConnectionFailed(err), "got %v", err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Batches
// ─────────────────────────────────────────────────────────────────────────────

func TestSucceeded(t *testing.T) {
	cases := []struct {
		code int64
		want bool
	}{
		{0, true},
		{1, true},
		{42, true},
		{db.SuccessNoInfo, true},
		{db.ExecuteFailed, false},
		{-1, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, db.Succeeded(c.code), "code %d", c.code)
	}
}

func TestBatchOf(t *testing.T) {
	type row struct{ Name, Email string }
	b := db.BatchOf("INSERT", []row{{"a", "a@x"}, {"b", "b@x"}}, func(r row) []any {
		return []any{r.Name, r.Email}
	})

	require.Equal(t, 2, b.Len())
	assert.Equal(t, "INSERT", b.Query())
	assert.Equal(t, []any{"b", "b@x"}, b.Args(1))
}

func TestConn_ExecBatch(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetAutoCommit(ctx, false))

	b := db.NewBatch(insertUser)
	for _, e := range []string{"b1@batch.com", "b2@batch.com", "b3@batch.com"} {
		b.Add("Batch", e, "eng", "dev", true, now, now)
	}

	codes, err := conn.ExecBatch(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1}, codes)
	assert.Equal(t, 0, countByEmail(t, d, "b1@batch.com"), "batch must stay inside the transaction")

	require.NoError(t, conn.Commit(ctx))
	assert.Equal(t, 3, countByEmail(t, d, "b1@batch.com", "b2@batch.com", "b3@batch.com"))
}

func TestConn_ExecBatch_Failure(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetAutoCommit(ctx, false))

	b := db.NewBatch(insertUser)
	b.Add("One", "one@batch.com", "eng", "dev", true, now, now)
	b.Add("Dup", "one@batch.com", "eng", "dev", true, now, now)
	b.Add("Three", "three@batch.com", "eng", "dev", true, now, now)

	codes, err := conn.ExecBatch(ctx, b)
	require.Error(t, err)
	assert.Equal(t, []int64{1}, codes)
	assert.True(t, db.IsDuplicateKey(err), "got %v", err)

	var be *db.BatchError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 1, be.Index)
	assert.Equal(t, 3, be.Size)

	require.NoError(t, conn.Rollback(ctx))
	assert.Equal(t, 0, countByEmail(t, d, "one@batch.com", "three@batch.com"))
}

func TestConn_ExecBatch_Empty(t *testing.T) {
	hook := &countingHook{}
	d := newTestDB(t, hook)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	before := hook.after
	codes, err := conn.ExecBatch(ctx, db.NewBatch(insertUser))
	require.NoError(t, err)
	assert.Empty(t, codes)
	assert.NotNil(t, codes)
	assert.Equal(t, before, hook.after, "empty batch must not reach the store")
}

func TestConn_ExecBatch_ReportsToHooks(t *testing.T) {
	hook := &countingHook{}
	d := newTestDB(t, hook)
	ctx := context.Background()
	now := time.Now()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	b := db.NewBatch(insertUser)
	b.Add("H", "h@batch.com", "eng", "dev", true, now, now)
	b.Add("H", "h@batch.com", "eng", "dev", true, now, now)

	before := hook.errs
	_, err = conn.ExecBatch(ctx, b)
	require.Error(t, err)
	assert.Equal(t, before+1, hook.errs)
}
