package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/app"
	"github.com/SirClappington/mailq/internal/cli"
	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/logging"
)

func build(ctx context.Context) (*app.App, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	settings, err := config.ParseSettings()
	if err != nil {
		return nil, err
	}
	logger := zap.NewNop()
	if settings.Debug {
		if logger, err = logging.New(cfg.AppEnv, true); err != nil {
			return nil, err
		}
	}
	return app.Build(ctx, cfg, settings, logger)
}

func main() {
	_ = godotenv.Load()
	root := cli.NewRootCommand(cli.Config{Build: build, OutputWriter: os.Stdout})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
