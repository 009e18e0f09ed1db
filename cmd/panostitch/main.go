package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"panostitch/internal/cli"
	"panostitch/internal/config"
	_ "panostitch/internal/features/cvsift"
	"panostitch/internal/imageio/magick"
	"panostitch/internal/logging"
	"panostitch/internal/pipeline"
	"panostitch/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		return 1
	}

	terminate := magick.Register()
	defer terminate()

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("job store unavailable, continuing without history", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, logger, store, cfg)
	defer pipe.Stop()

	err = cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
	return cli.ExitCode(err)
}
