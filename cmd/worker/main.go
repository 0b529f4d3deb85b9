package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aipjn/character-creation-platform-sub000/internal/app"
	"github.com/aipjn/character-creation-platform-sub000/internal/infra"
)

// The standalone worker only makes sense against a shared store.
func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if cfg.JobStoreDriver == infra.StoreMemory {
		logger.Fatal().Msg("worker: JOB_STORE_DRIVER=memory cannot be shared with the api process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: setup failed")
	}
	defer a.Close()

	logger.Info().Int("concurrency", cfg.MaxConcurrentJobs).Msg("worker: starting")
	if err := a.Run(ctx, app.RoleWorker); err != nil {
		logger.Error().Err(err).Msg("worker: stopped with error")
		return
	}
	logger.Info().Msg("worker: stopped")
}
