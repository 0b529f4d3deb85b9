package tracker

import (
	"context"
	"time"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
)

// SweepStale emits job_stale for active jobs whose last update is older
// than StaleJobTimeout. A job is reported once per stale period; a later
// update re-arms it. It returns the ids reported in this sweep.
func (t *Tracker) SweepStale(ctx context.Context) []string {
	now := t.clock.Now().UTC()
	cutoff := now.Add(-t.cfg.StaleJobTimeout)

	t.mu.Lock()
	var stale []domain.Job
	for id, job := range t.jobs {
		meta := job.Meta()
		if !meta.Status.IsActive() || !meta.UpdatedAt.Before(cutoff) {
			continue
		}
		if seen, ok := t.staleSeen[id]; ok && seen.Equal(meta.UpdatedAt) {
			continue
		}
		t.staleSeen[id] = meta.UpdatedAt
		stale = append(stale, domain.CloneJob(job))
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, job := range stale {
		meta := job.Meta()
		ids = append(ids, meta.ID)
		t.logger.Warn().
			Str("job_id", meta.ID).
			Dur("idle", now.Sub(meta.UpdatedAt)).
			Msg("tracker: job is stale")
		t.publish(ctx, events.Event{
			Type:      domain.EventJobStale,
			JobID:     meta.ID,
			UserID:    meta.UserID,
			Job:       job,
			Status:    meta.Status,
			Progress:  domain.JobProgress(job),
			Timestamp: now,
			Metadata:  map[string]any{"lastUpdate": meta.UpdatedAt, "idleMs": now.Sub(meta.UpdatedAt).Milliseconds()},
		})
	}
	return ids
}

// Run drives the stale sweep and the health check until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	stale := t.clock.NewTicker(t.cfg.StaleCheckInterval)
	defer stale.Stop()
	health := t.clock.NewTicker(t.cfg.HealthCheckInterval)
	defer health.Stop()

	t.logger.Info().
		Dur("stale_interval", t.cfg.StaleCheckInterval).
		Dur("health_interval", t.cfg.HealthCheckInterval).
		Msg("tracker: started")
	t.CheckHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("tracker: stopped")
			return nil
		case <-stale.Chan():
			t.SweepStale(ctx)
		case <-health.Chan():
			t.CheckHealth(ctx)
		}
	}
}

// StaleJobTimeout exposes the configured stale threshold.
func (t *Tracker) StaleJobTimeout() time.Duration { return t.cfg.StaleJobTimeout }
