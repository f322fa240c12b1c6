package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/mailq/internal/app"
	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/httpapi"
	"github.com/SirClappington/mailq/internal/logging"
	"github.com/SirClappington/mailq/internal/ratelimit"
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

	rlCfg := ratelimit.DefaultAdminConfig()
	rlCfg.Rate, rlCfg.Burst = cfg.AdminRatePerSecond, cfg.AdminRateBurst
	limiter := ratelimit.New(rlCfg)
	defer limiter.Stop()

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           httpapi.New(a.Admin, a.Webhook, limiter, cfg.AdminToken, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	// The memory scheduler lives in this process, so the api drives it.
	if cfg.StorageDriver == config.DriverMemory {
		g.Go(func() error { return a.Runner().Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api stopped", zap.Error(err))
	}
}
