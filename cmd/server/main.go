package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"solidarity/internal/app"
	"solidarity/internal/config"
	"solidarity/internal/idempotency"
	"solidarity/internal/logging"
	"solidarity/internal/metrics"
	"solidarity/internal/server"
)

const purgeEvery = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := idempotency.Open(ctx, idempotency.Options{
		DatabaseURL: cfg.Service.DatabaseURL,
		FilePath:    cfg.Service.IdempotencyStorePath,
	})
	if err != nil {
		logger.Fatal("idempotency store error", zap.Error(err))
	}
	defer store.Close()

	reg := metrics.New()
	runner, err := app.FromConfig(cfg, logger, reg)
	if err != nil {
		logger.Fatal("wallet setup error", zap.Error(err))
	}

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = runner.Run(ctx)
	}()
	go purgeLoop(ctx, store, logger)

	apiServer := server.NewServer(cfg.Service, runner, store, logger, reg)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	<-runnerDone
}

func purgeLoop(ctx context.Context, store idempotency.Store, logger *zap.Logger) {
	ticker := time.NewTicker(purgeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx)
			if err != nil {
				logger.Warn("idempotency purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("idempotency records purged", zap.Int("count", n))
			}
		}
	}
}
