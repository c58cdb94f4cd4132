// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// The healthsync server hosts the remote store for the offline-first
// health-record engine: a JSON sync API over PostgreSQL with JWT auth.
//
// Configuration comes from the environment:
//
//	DATABASE_URL - PostgreSQL DSN (required)
//	JWT_SECRET   - HMAC secret for bearer tokens (required)
//	PORT         - listen port, default 8080
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qashsolutions/mango-sub000/syncserver"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx := context.Background()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Error("invalid DATABASE_URL", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to reach database", "error", err)
		os.Exit(1)
	}

	backend, err := syncserver.NewPGBackend(ctx, pool)
	if err != nil {
		logger.Error("failed to initialize backend", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	service := syncserver.NewService(backend, syncserver.DefaultServiceConfig(), logger)
	jwtAuth := syncserver.NewJWTAuth(jwtSecret)
	handler := syncserver.Router(service, jwtAuth, logger)

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	logger.Info("Healthsync server listening", "addr", addr)
	logger.Info("Endpoints:")
	logger.Info("  POST   /sync/push         - Push one record, last-writer-wins")
	logger.Info("  GET    /sync/pull         - Pull changes after a watermark")
	logger.Info("  DELETE /sync/records/{id} - Garbage-collect a confirmed tombstone")

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
