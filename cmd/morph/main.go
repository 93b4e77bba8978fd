package main

import (
	"context"
	"fmt"
	"os"

	"parallelmorph/internal/backend"
	"parallelmorph/internal/cli"
	"parallelmorph/internal/config"
	"parallelmorph/internal/imageio"
	"parallelmorph/internal/logging"
	"parallelmorph/internal/magick"
	"parallelmorph/internal/pipeline"
	"parallelmorph/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, logCloser, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("failed to open run database", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	backends := backend.NewRegistry()
	router := pipeline.NewRouter(logger, cli.RouterDefaults(cfg), backends, imageio.Loader{Fallback: magick.Decode})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize, logger, store, router)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe, backends).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
