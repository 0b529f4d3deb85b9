// Package storetest runs the behaviour every domain.JobStore must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func single(id string, status domain.JobStatus, priority domain.Priority, created time.Duration) *domain.SingleJob {
	return &domain.SingleJob{
		JobMeta: domain.JobMeta{
			ID:        id,
			UserID:    "user-1",
			Status:    status,
			Priority:  priority,
			CreatedAt: base.Add(created),
			UpdatedAt: base.Add(created),
		},
		Prompt: "prompt " + id,
	}
}

// Run exercises a fresh store returned by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) domain.JobStore) {
	t.Run("CreateAndFind", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := single("job_a", domain.JobStatusPending, domain.PriorityNormal, 0)
		require.NoError(t, s.Create(ctx, job))

		got, err := s.FindByID(ctx, "job_a")
		require.NoError(t, err)
		sj, ok := got.(*domain.SingleJob)
		require.True(t, ok)
		assert.Equal(t, "prompt job_a", sj.Prompt)

		_, err = s.FindByID(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("UpdateUnknown", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(context.Background(), single("nope", domain.JobStatusPending, domain.PriorityNormal, 0))
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("FindNextPendingOrdering", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		future := base.Add(time.Hour)
		scheduled := single("job_sched", domain.JobStatusPending, domain.PriorityUrgent, 0)
		scheduled.ScheduledAt = &future
		for _, j := range []*domain.SingleJob{
			single("job_low", domain.JobStatusPending, domain.PriorityLow, 0),
			single("job_norm2", domain.JobStatusPending, domain.PriorityNormal, 2*time.Second),
			single("job_norm1", domain.JobStatusPending, domain.PriorityNormal, time.Second),
			single("job_urgent", domain.JobStatusPending, domain.PriorityUrgent, 3*time.Second),
			single("job_done", domain.JobStatusCompleted, domain.PriorityUrgent, 0),
			scheduled,
		} {
			require.NoError(t, s.Create(ctx, j))
		}

		next, err := s.FindNextPending(ctx, base.Add(time.Minute), 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"job_urgent", "job_norm1", "job_norm2"}, ids(next))

		next, err = s.FindNextPending(ctx, base.Add(2*time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, "job_sched", next[0].Meta().ID)
		assert.Len(t, next, 5)
	})

	t.Run("ClaimPendingIsExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, single("job_c", domain.JobStatusPending, domain.PriorityNormal, 0)))

		claimed, ok, err := s.ClaimPending(ctx, "job_c", base.Add(time.Second))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.JobStatusProcessing, claimed.Meta().Status)
		require.NotNil(t, claimed.Meta().StartedAt)

		_, ok, err = s.ClaimPending(ctx, "job_c", base.Add(2*time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		stale, err := s.FindStaleProcessing(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"job_c"}, ids(stale))
	})

	t.Run("UpdateIfStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := single("job_u", domain.JobStatusPending, domain.PriorityNormal, 0)
		require.NoError(t, s.Create(ctx, job))

		domain.SetStatus(job, domain.JobStatusCancelled, base.Add(time.Second))
		applied, err := s.UpdateIfStatus(ctx, job, domain.JobStatusProcessing)
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = s.UpdateIfStatus(ctx, job, domain.JobStatusPending)
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.FindByID(ctx, "job_u")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, got.Meta().Status)
		assert.NotNil(t, got.Meta().CompletedAt)

		_, err = s.UpdateIfStatus(ctx, single("ghost", domain.JobStatusPending, domain.PriorityNormal, 0), domain.JobStatusPending)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("PromoteScheduled", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := base.Add(10 * time.Second)
		job := single("job_q", domain.JobStatusQueued, domain.PriorityHigh, 0)
		job.ScheduledAt = &at
		require.NoError(t, s.Create(ctx, job))

		promoted, err := s.PromoteScheduled(ctx, base.Add(5*time.Second))
		require.NoError(t, err)
		assert.Empty(t, promoted)

		promoted, err = s.PromoteScheduled(ctx, base.Add(11*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []string{"job_q"}, ids(promoted))

		got, err := s.FindByID(ctx, "job_q")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, got.Meta().Status)
	})

	t.Run("FindFilterAndCounts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		other := single("job_other", domain.JobStatusFailed, domain.PriorityNormal, time.Second)
		other.UserID = "user-2"
		require.NoError(t, s.Create(ctx, single("job_1", domain.JobStatusPending, domain.PriorityNormal, 0)))
		require.NoError(t, s.Create(ctx, single("job_2", domain.JobStatusProcessing, domain.PriorityNormal, 2*time.Second)))
		require.NoError(t, s.Create(ctx, other))

		mine, err := s.Find(ctx, domain.JobFilter{UserID: "user-1", Statuses: domain.ActiveStatuses()})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"job_1", "job_2"}, ids(mine))

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[domain.JobStatusPending])
		assert.Equal(t, 1, counts[domain.JobStatusProcessing])
		assert.Equal(t, 1, counts[domain.JobStatusFailed])
		require.NoError(t, s.Ping(ctx))
	})
}

func ids(jobs []domain.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Meta().ID)
	}
	return out
}
