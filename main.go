// main.go: walkthrough of the user store
// ============================================================
// Runs every operation against the database described by the
// environment (see config):
//
//  1. Configuration, logging and schema migration
//  2. Database metadata report
//  3. Insert / FindByID / FindByEmail
//  4. Partial update
//  5. Transaction usage
//  6. Type-safe error handling
//  7. Batch insert (one transactional batch)
//  8. Transfer (one statement per record, one transaction)
//  9. Search / department queries / counts
// 10. Retry
// 11. Delete, health check and statistics
// ============================================================
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/guillem2121/userstore/config"
	"github.com/guillem2121/userstore/db"
	"github.com/guillem2121/userstore/migrations"
	"github.com/guillem2121/userstore/models"
	"github.com/guillem2121/userstore/repo"
)

func main() {
	// ── 1. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}
	logger := config.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	migrateURL, err := cfg.Database.MigrateURL()
	if err != nil {
		fatalf("migration url: %v", err)
	}
	if err := migrations.Up(migrateURL); err != nil {
		fatalf("migrate: %v", err)
	}

	stats := &db.QueryStats{}
	database, err := cfg.Database.Open(cfg.Database.LogHook(logger), db.NewMetricsHook(stats))
	if err != nil {
		fatalf("open database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()

	// ── 2. Metadata ───────────────────────────────────────────────────────
	info, err := database.Info(ctx)
	if err != nil {
		fatalf("database info: %v", err)
	}
	fmt.Println(info)

	cols, err := database.Columns(ctx, "users")
	if err != nil {
		fatalf("users columns: %v", err)
	}
	for _, c := range cols {
		fmt.Printf("  %-12s %-28s nullable=%t\n", c.Name, c.TypeName, c.Nullable)
	}

	// ── 3. Insert and lookups ─────────────────────────────────────────────
	userRepo := repo.NewUserRepo(database)

	alice, err := userRepo.Insert(ctx, models.CreateUserParams{
		Name:       "Alice Smith",
		Email:      "alice@example.com",
		Department: "Engineering",
		Role:       "developer",
	})
	if err != nil {
		if !db.IsDuplicateKey(err) {
			fatalf("insert user: %v", err)
		}
		slog.Warn("insert skipped, email already registered")
		var ok bool
		alice, ok, err = userRepo.FindByEmail(ctx, "alice@example.com")
		if err != nil || !ok {
			fatalf("find by email: ok=%t err=%v", ok, err)
		}
	} else {
		slog.Info("inserted user", "id", alice.ID, "email", alice.Email)
	}

	if fetched, ok, err := userRepo.FindByID(ctx, alice.ID); err != nil {
		fatalf("find user: %v", err)
	} else if ok {
		slog.Info("fetched user", "user", fetched)
	}

	// Absence is a result, not an error.
	if _, ok, err := userRepo.FindByEmail(ctx, "nobody@example.com"); err == nil && !ok {
		slog.Info("no user for nobody@example.com")
	}

	// ── 4. Partial update ─────────────────────────────────────────────────
	newRole := "lead"
	updated, err := userRepo.Update(ctx, alice.ID, models.UpdateUserParams{Role: &newRole})
	if err != nil {
		fatalf("update user: %v", err)
	}
	slog.Info("updated user", "role", updated.Role)

	// ── 5. Transaction usage ──────────────────────────────────────────────
	err = database.ExecTx(ctx, func(tx *db.Tx) error {
		txRepo := repo.NewUserRepo(tx)
		for _, p := range []models.CreateUserParams{
			{Name: "Bob Builder", Email: "bob@example.com", Department: "Operations", Role: "admin"},
			{Name: "Carol White", Email: "carol@example.com", Department: "Engineering", Role: "developer"},
		} {
			if _, err := txRepo.Insert(ctx, p); err != nil {
				return fmt.Errorf("insert %s: %w", p.Email, err)
			}
		}
		return nil
	})
	if err != nil && !db.IsDuplicateKey(err) {
		fatalf("transaction failed: %v", err)
	}

	// ── 6. Error handling ─────────────────────────────────────────────────
	err = userRepo.Delete(ctx, 999_999)
	switch {
	case db.IsNotFound(err):
		slog.Info("correctly handled not-found")
	case err != nil:
		slog.Error("unexpected error", "err", err)
	}

	_, err = userRepo.Insert(ctx, models.CreateUserParams{Name: "Alice Again", Email: "alice@example.com"})
	if db.IsDuplicateKey(err) {
		slog.Info("correctly caught duplicate key error")
	}
	var dbErr *db.DBError
	if errors.As(err, &dbErr) {
		slog.Debug("raw driver error", "cause", dbErr.Cause)
	}

	// ── 7. Batch insert ───────────────────────────────────────────────────
	writerOpts := []repo.Option{repo.WithLogger(logger)}
	if rc, ok := cfg.Database.Retry(); ok {
		writerOpts = append(writerOpts, repo.WithRetry(rc))
	}
	writer := repo.NewBatchWriter(repo.Connections(database), writerOpts...)

	suffix := time.Now().UnixNano()
	batch := []models.User{
		{Name: "Dave", Email: fmt.Sprintf("dave-%d@example.com", suffix), Department: "Sales", Role: "manager"},
		{Name: "Eve", Email: fmt.Sprintf("eve-%d@example.com", suffix), Department: "Sales", Role: "analyst"},
		{Name: "Frank", Email: fmt.Sprintf("frank-%d@example.com", suffix), Department: "Support", Role: "agent", Active: models.Bool(false)},
	}
	n, err := writer.BatchInsert(ctx, batch)
	switch {
	case repo.IsRollback(err):
		fatalf("batch insert left the connection in doubt: %v", err)
	case err != nil:
		slog.Error("batch insert rolled back", "err", err)
	default:
		slog.Info("batch insert committed", "inserted", n)
	}

	// A duplicate inside the batch rolls back every record.
	dup := []models.User{
		{Name: "Gina", Email: fmt.Sprintf("gina-%d@example.com", suffix)},
		{Name: "Alice Clone", Email: "alice@example.com"},
	}
	if _, err := writer.BatchInsert(ctx, dup); repo.IsExecution(err) && db.IsDuplicateKey(err) {
		_, ok, _ := userRepo.FindByEmail(ctx, dup[0].Email)
		slog.Info("duplicate batch rolled back", "first_record_visible", ok)
	}

	// ── 8. Transfer ───────────────────────────────────────────────────────
	n, err = writer.TransferUsers(ctx, []models.User{
		{Name: "Hank", Email: fmt.Sprintf("hank-%d@example.com", suffix), Department: "Support", Role: "agent"},
		{Name: "Ivy", Email: fmt.Sprintf("ivy-%d@example.com", suffix), Department: "Support", Role: "agent"},
	})
	if err != nil {
		slog.Error("transfer failed", "err", err)
	} else {
		slog.Info("transfer committed", "inserted", n)
	}

	// ── 9. Queries ────────────────────────────────────────────────────────
	found, err := userRepo.Search(ctx, models.UserQuery{Department: "Sales", Active: models.Bool(true)})
	if err != nil {
		fatalf("search: %v", err)
	}
	slog.Info("active sales users", "count", len(found))

	support, err := userRepo.FindByDepartment(ctx, "Support")
	if err != nil {
		fatalf("find by department: %v", err)
	}
	active, err := userRepo.CountByDepartment(ctx, "Support")
	if err != nil {
		fatalf("count by department: %v", err)
	}
	slog.Info("support department", "members", len(support), "active", active)

	page, err := userRepo.List(ctx, 5, 0)
	if err != nil {
		fatalf("list: %v", err)
	}
	for _, u := range page {
		fmt.Printf("  #%d %-14s %-40s %s/%s active=%t\n", u.ID, u.Name, u.Email, u.Department, u.Role, u.IsActive())
	}

	// ── 10. Retry ─────────────────────────────────────────────────────────
	retryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err = db.WithRetry(retryCtx, db.RetryConfig{
		MaxAttempts: 3,
		Delay:       100 * time.Millisecond,
	}, func() error {
		_, err := userRepo.Insert(retryCtx, models.CreateUserParams{
			Name:  "Retry User",
			Email: fmt.Sprintf("retry-%d@example.com", suffix),
		})
		return err
	})
	if err != nil {
		slog.Error("retry operation failed", "err", err)
	}

	// ── 11. Delete, health and statistics ─────────────────────────────────
	if err := userRepo.Delete(ctx, alice.ID); err != nil && !db.IsNotFound(err) {
		fatalf("delete user: %v", err)
	}

	total, err := userRepo.Count(ctx)
	if err != nil {
		fatalf("count: %v", err)
	}

	if err := database.Ping(ctx); err != nil {
		slog.Error("health check failed", "err", err)
	} else {
		pool := database.Stats()
		snap := stats.Snapshot()
		slog.Info("done",
			"users", total,
			"open", pool.OpenConnections,
			"in_use", pool.InUse,
			"queries", snap.Queries,
			"failures", snap.Failures,
			"slowest", snap.Slowest,
		)
	}
}

func fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
