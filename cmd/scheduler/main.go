package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/app"
	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	settings, err := config.ParseSettings()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.AppEnv, settings.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, settings, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()
	if cfg.StorageDriver == config.DriverMemory {
		logger.Warn("memory storage is process local; the api process runs its own queue")
	}

	logger.Info("scheduler started", zap.Duration("tick", cfg.SchedulerTick))
	if err := a.Runner().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped", zap.Error(err))
	}
}
