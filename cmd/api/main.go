package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aipjn/character-creation-platform-sub000/internal/app"
	"github.com/aipjn/character-creation-platform-sub000/internal/infra"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: setup failed")
	}
	defer a.Close()

	logger.Info().
		Str("env", cfg.AppEnv).
		Str("store", cfg.JobStoreDriver).
		Msg("api: starting")
	if err := a.Run(ctx, app.RoleAll); err != nil {
		logger.Error().Err(err).Msg("api: stopped with error")
		return
	}
	logger.Info().Msg("api: server stopped")
}
