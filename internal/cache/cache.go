// Package cache mirrors tracked job snapshots into Redis so other processes
// can read job status without touching the job store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
)

const (
	defaultPrefix = "chargen"
	defaultTTL    = 24 * time.Hour
)

type Options struct {
	Prefix string
	// TTL applies to every snapshot. Terminal jobs keep it too, so a
	// finished job stays readable for one TTL after completion.
	TTL    time.Duration
	Logger zerolog.Logger
}

// JobCache stores the latest snapshot per job and publishes every event on
// a pub/sub channel.
type JobCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

func New(client redis.UniversalClient, opts Options) *JobCache {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &JobCache{client: client, prefix: prefix, ttl: ttl, logger: opts.Logger}
}

func (c *JobCache) jobKey(id string) string { return c.prefix + ":job:" + id }

func (c *JobCache) userKey(userID string) string { return c.prefix + ":user:" + userID + ":jobs" }

// Channel is the pub/sub channel events are published on.
func (c *JobCache) Channel() string { return c.prefix + ":events" }

// eventMessage is what subscribers of Channel receive.
type eventMessage struct {
	Event     domain.EventType `json:"event"`
	JobID     string           `json:"jobId,omitempty"`
	UserID    string           `json:"userId,omitempty"`
	Status    domain.JobStatus `json:"status,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// HandleEvent is a bus listener. Failures are logged, never returned.
func (c *JobCache) HandleEvent(ctx context.Context, ev events.Event) {
	if err := c.apply(ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("job_id", ev.JobID).Str("event", string(ev.Type)).Msg("cache: event not mirrored")
	}
}

func (c *JobCache) apply(ctx context.Context, ev events.Event) error {
	msg, err := json.Marshal(eventMessage{
		Event:     ev.Type,
		JobID:     ev.JobID,
		UserID:    ev.UserID,
		Status:    ev.Status,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	pipe := c.client.TxPipeline()
	if ev.Job != nil {
		doc, err := domain.MarshalJob(ev.Job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		pipe.Set(ctx, c.jobKey(ev.JobID), doc, c.ttl)
		if ev.UserID != "" {
			key := c.userKey(ev.UserID)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.Job.Meta().CreatedAt.UnixMilli()), Member: ev.JobID})
			pipe.Expire(ctx, key, c.ttl)
		}
	}
	pipe.Publish(ctx, c.Channel(), msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Get returns the cached snapshot of a job.
func (c *JobCache) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	data, err := c.client.Get(ctx, c.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get job %s: %w", id, err)
	}
	job, err := domain.UnmarshalJob(data)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// UserJobs returns the cached job ids of a user, newest first.
func (c *JobCache) UserJobs(ctx context.Context, userID string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := c.client.ZRevRange(ctx, c.userKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("user jobs %s: %w", userID, err)
	}
	return ids, nil
}

// Invalidate removes a job snapshot.
func (c *JobCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.jobKey(id)).Err()
}

func (c *JobCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
