package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
)

func newCache(t *testing.T) (*JobCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Options{TTL: time.Hour, Logger: zerolog.Nop()}), mr
}

func event(id, user string, created time.Time, status domain.JobStatus) events.Event {
	job := &domain.SingleJob{
		JobMeta: domain.JobMeta{ID: id, UserID: user, Status: status, CreatedAt: created},
		Prompt:  "test",
	}
	return events.Event{Type: domain.EventForStatus(status), JobID: id, UserID: user, Job: job, Status: status}
}

func TestHandleEventStoresSnapshot(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	c.HandleEvent(ctx, event("job_1", "u1", base, domain.JobStatusPending))
	c.HandleEvent(ctx, event("job_1", "u1", base, domain.JobStatusProcessing))
	c.HandleEvent(ctx, event("job_2", "u1", base.Add(time.Second), domain.JobStatusPending))

	job, ok, err := c.Get(ctx, "job_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusProcessing, job.Meta().Status)
	assert.Equal(t, time.Hour, mr.TTL("chargen:job:job_1"))

	ids, err := c.UserJobs(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"job_2", "job_1"}, ids)

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleEventPublishes(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	sub := c.client.Subscribe(ctx, c.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	c.HandleEvent(ctx, events.Event{Type: domain.EventHealthChanged})

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"event":"health_changed"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestInvalidateAndPing(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	c.HandleEvent(ctx, event("job_1", "", time.Now(), domain.JobStatusPending))
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Invalidate(ctx, "job_1"))
	assert.False(t, mr.Exists("chargen:job:job_1"))

	mr.Close()
	assert.Error(t, c.Ping(ctx))
}
