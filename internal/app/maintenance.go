package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

const maintenanceTimeout = 30 * time.Second

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

func (a *App) scheduleMaintenance() error {
	logger := cronLogger{logger: a.logger}
	a.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context)
	}{
		{"@every 1m", "queue stale sweep", a.sweepStaleJobs},
		{"@every 15s", "queue gauges", a.refreshGauges},
		{"@every 1h", "tracker cleanup", a.cleanupTracker},
		{"@every 1h", "delivery purge", a.purgeDeliveries},
	}
	for _, j := range jobs {
		run := j.run
		if _, err := a.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return err
		}
		a.logger.Debug().Str("job", j.name).Str("spec", j.spec).Msg("app: maintenance scheduled")
	}
	return nil
}

func (a *App) sweepStaleJobs(ctx context.Context) {
	n, err := a.Queue.ProcessStaleJobs(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("app: stale sweep failed")
		return
	}
	if n > 0 {
		a.logger.Warn().Int("count", n).Msg("app: stale jobs failed")
	}
}

func (a *App) refreshGauges(ctx context.Context) {
	counts, err := a.Store.CountByStatus(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("app: count jobs failed")
		return
	}
	depth := make(map[string]int, len(counts))
	for _, s := range domain.ActiveStatuses() {
		depth[string(s)] = counts[s]
	}
	a.Metrics.SetQueueDepth(depth)
	a.Metrics.SetActiveJobs(a.Worker.Stats().Active)
}

func (a *App) cleanupTracker(context.Context) {
	if n := a.Tracker.Cleanup(terminalRetention); n > 0 {
		a.logger.Info().Int("count", n).Msg("app: tracker cleanup")
	}
}

func (a *App) purgeDeliveries(context.Context) {
	if n := a.Webhooks.PurgeDeliveries(deliveryRetention); n > 0 {
		a.logger.Info().Int("count", n).Msg("app: deliveries purged")
	}
}
