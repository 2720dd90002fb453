package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/guillem2121/userstore/api"
	"github.com/guillem2121/userstore/config"
	"github.com/guillem2121/userstore/db"
	"github.com/guillem2121/userstore/repo"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api: exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := config.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	// ── Database ──────────────────────────────────────────────────────────
	stats := &db.QueryStats{}
	database, err := cfg.Database.Open(
		cfg.Database.LogHook(logger),
		db.NewMetricsHook(stats),
	)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	info, err := database.Info(context.Background())
	if err != nil {
		return fmt.Errorf("describe database: %w", err)
	}
	logger.Info("database connected",
		"product", info.Product,
		"version", info.Version,
		"driver", info.Driver,
		"url", info.URL,
		"native_batch", info.NativeBatch,
	)

	// ── Handlers ──────────────────────────────────────────────────────────
	writerOpts := []repo.Option{repo.WithLogger(logger)}
	if rc, ok := cfg.Database.Retry(); ok {
		writerOpts = append(writerOpts, repo.WithRetry(rc))
	}
	writer := repo.NewBatchWriter(repo.Connections(database), writerOpts...)

	handler, err := api.NewHandler(database, repo.NewUserRepo(database), writer, stats, logger)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	handler.RegisterRoutes()

	// ── HTTP server ───────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler.Mux,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api: listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-quit:
	}
	logger.Info("api: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	snap := stats.Snapshot()
	logger.Info("api: stopped", "queries", snap.Queries, "failures", snap.Failures, "mean", snap.MeanDuration)
	return nil
}
