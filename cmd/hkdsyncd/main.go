// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/Datkep92/banbia-sub000/internal/server"
)

func main() {
	// .env is optional, environment variables win.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	addr := os.Getenv("HKDSYNCD_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := openTreeStore(ctx, logger)
	if err != nil {
		log.Fatalf("Failed to open tree store: %v", err)
	}
	defer cleanup()

	srv := server.NewServer(store, server.NewJWTAuth(jwtSecret), logger, os.Getenv("HKDSYNCD_ENTITY_ROOT"))
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     srv.Router(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the SSE change feed holds responses open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("Starting hkd sync server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	logger.Info("Server exited")
}

// openTreeStore connects to Postgres when DATABASE_URL is set, otherwise runs
// on the in-memory store for local development.
func openTreeStore(ctx context.Context, logger *slog.Logger) (server.TreeStore, func(), error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory tree store (data is not persisted)")
		return server.NewMemoryTreeStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	store, err := server.NewPGTreeStore(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Connected to Postgres tree store")
	return store, pool.Close, nil
}

func logLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
