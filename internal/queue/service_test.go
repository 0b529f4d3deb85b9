package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
	"github.com/aipjn/character-creation-platform-sub000/internal/store/memory"
)

type recorder struct {
	events []events.Event
}

func (r *recorder) listen(_ context.Context, ev events.Event) { r.events = append(r.events, ev) }

func (r *recorder) types() []domain.EventType {
	out := make([]domain.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestService(t *testing.T, cfg Config) (*Service, *clockwork.FakeClock, *recorder) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.OnAll(rec.listen)
	svc := New(Options{
		Store:  memory.New(),
		Bus:    bus,
		Clock:  clock,
		Logger: zerolog.Nop(),
		Config: cfg,
	})
	return svc, clock, rec
}

func batchOf(n int) BatchPayload {
	p := BatchPayload{}
	for i := 0; i < n; i++ {
		p.Requests = append(p.Requests, SinglePayload{Prompt: "frame"})
	}
	return p
}

func TestEnqueueBatchSizeLimit(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, Request{Payload: batchOf(5)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)

	id, err := svc.Enqueue(ctx, Request{Payload: batchOf(4)})
	require.NoError(t, err)

	job, err := svc.GetJob(ctx, id, "")
	require.NoError(t, err)
	batch, ok := job.(*domain.BatchJob)
	require.True(t, ok)
	assert.Equal(t, 4, batch.TotalRequests)
	assert.Len(t, batch.Requests, 4)
	assert.Equal(t, id+"_3", batch.Requests[3].ID)
	assert.NotEmpty(t, batch.BatchID)

	_, err = svc.Enqueue(ctx, Request{Payload: batchOf(0)})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEnqueueEmitsCreatedThenQueued(t *testing.T) {
	svc, _, rec := newTestService(t, Config{})
	id, err := svc.Enqueue(context.Background(), Request{
		UserID:  "u1",
		Payload: CharacterPayload{Specs: domain.CharacterSpecs{Description: "a wandering bard"}},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^job_\d+_[a-z0-9]{9}$`, id)
	assert.Equal(t, []domain.EventType{domain.EventJobCreated, domain.EventJobQueued}, rec.types())

	job, err := svc.GetJob(context.Background(), id, "u1")
	require.NoError(t, err)
	character := job.(*domain.CharacterJob)
	assert.Equal(t, domain.PriorityNormal, character.Priority)
	assert.Equal(t, "standard", character.GenerationParams.Quality)
	assert.Equal(t, 1, character.GenerationParams.Variations)
}

func TestEnqueueValidation(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()
	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

	cases := map[string]Request{
		"blank prompt":      {Payload: SinglePayload{Prompt: "   "}},
		"missing prompt":    {Payload: SinglePayload{}},
		"missing specs":     {Payload: CharacterPayload{}},
		"bad priority":      {Priority: "asap", Payload: SinglePayload{Prompt: "x"}},
		"bad variations":    {Payload: SinglePayload{Prompt: "x", Params: domain.GenerationParams{Variations: 9}}},
		"bad aspect":        {Payload: SinglePayload{Prompt: "x", Params: domain.GenerationParams{AspectRatio: "2:1"}}},
		"text input image":  {Payload: SinglePayload{Prompt: "x", InputImage: base64.StdEncoding.EncodeToString([]byte("hello world"))}},
		"garbage image":     {Payload: SinglePayload{Prompt: "x", InputImage: "%%%"}},
		"no payload":        {},
		"batch blank child": {Payload: BatchPayload{Requests: []SinglePayload{{Prompt: "ok"}, {Prompt: " "}}}},
	}
	for name, req := range cases {
		_, err := svc.Enqueue(ctx, req)
		assert.ErrorIs(t, err, domain.ErrValidation, name)
	}

	_, err := svc.Enqueue(ctx, Request{Payload: SinglePayload{
		Prompt:     "make it dusk",
		InputImage: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}})
	assert.NoError(t, err)
}

func TestEnqueueCapacityLimits(t *testing.T) {
	svc, _, _ := newTestService(t, Config{MaxQueueSize: 12, MaxActiveJobsPerUser: 10})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := svc.Enqueue(ctx, Request{UserID: "busy", Payload: SinglePayload{Prompt: "x"}})
		require.NoError(t, err)
	}
	_, err := svc.Enqueue(ctx, Request{UserID: "busy", Payload: SinglePayload{Prompt: "x"}})
	var capErr *domain.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 10, capErr.Limit)

	for i := 0; i < 2; i++ {
		_, err = svc.Enqueue(ctx, Request{UserID: "other", Payload: SinglePayload{Prompt: "x"}})
		require.NoError(t, err)
	}
	_, err = svc.Enqueue(ctx, Request{Payload: SinglePayload{Prompt: "x"}})
	assert.ErrorIs(t, err, domain.ErrCapacity)
}

func TestCancelPendingJob(t *testing.T) {
	svc, _, rec := newTestService(t, Config{})
	ctx := context.Background()
	id, err := svc.Enqueue(ctx, Request{UserID: "u1", Payload: SinglePayload{Prompt: "test"}})
	require.NoError(t, err)

	_, err = svc.CancelJob(ctx, id, "intruder")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	ok, err := svc.CancelJob(ctx, id, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := svc.GetJob(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Meta().Status)
	assert.NotNil(t, job.Meta().CompletedAt)

	ok, err = svc.CancelJob(ctx, id, "u1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)

	assert.Equal(t, []domain.EventType{domain.EventJobCreated, domain.EventJobQueued, domain.EventJobCancelled}, rec.types())
}

func TestCancelRejectedOnceProcessing(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()
	id, err := svc.Enqueue(ctx, Request{Payload: SinglePayload{Prompt: "test"}})
	require.NoError(t, err)

	_, claimed, err := svc.ClaimJob(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = svc.ClaimJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)

	ok, err := svc.CancelJob(ctx, id, "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestGetNextJobsPromotesScheduledAndOrders(t *testing.T) {
	svc, clock, rec := newTestService(t, Config{})
	ctx := context.Background()
	later := clock.Now().Add(time.Minute)

	low, _ := svc.Enqueue(ctx, Request{Priority: domain.PriorityLow, Payload: SinglePayload{Prompt: "a"}})
	clock.Advance(time.Millisecond)
	scheduled, _ := svc.Enqueue(ctx, Request{Priority: domain.PriorityUrgent, ScheduledAt: &later, Payload: SinglePayload{Prompt: "b"}})
	clock.Advance(time.Millisecond)
	high, _ := svc.Enqueue(ctx, Request{Priority: domain.PriorityHigh, Payload: SinglePayload{Prompt: "c"}})

	job, err := svc.GetJob(ctx, scheduled, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Meta().Status)

	next, err := svc.GetNextJobs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{high, low}, jobIDs(next))

	clock.Advance(time.Minute)
	rec.events = nil
	next, err = svc.GetNextJobs(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{scheduled, high}, jobIDs(next))
	assert.Equal(t, []domain.EventType{domain.EventJobQueued}, rec.types())
	assert.Equal(t, domain.JobStatusQueued, rec.events[0].PreviousStatus)
}

func TestRetryJobDelaysAndCountsRetries(t *testing.T) {
	svc, clock, rec := newTestService(t, Config{})
	ctx := context.Background()
	id, _ := svc.Enqueue(ctx, Request{Payload: SinglePayload{Prompt: "test"}})
	_, _, err := svc.ClaimJob(ctx, id)
	require.NoError(t, err)

	ok, err := svc.RetryJob(ctx, id, &domain.GenerationError{Code: domain.ErrCodeRateLimited, Message: "slow", Retryable: true}, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	job, _ := svc.GetJob(ctx, id, "")
	assert.Equal(t, domain.JobStatusPending, job.Meta().Status)
	assert.Equal(t, 1, job.Meta().RetryCount)
	assert.Equal(t, 1, domain.JobError(job).RetryCount)
	assert.Nil(t, job.Meta().CompletedAt)
	assert.Equal(t, domain.EventJobRetry, rec.events[len(rec.events)-1].Type)

	next, _ := svc.GetNextJobs(ctx, 5)
	assert.Empty(t, next)
	clock.Advance(5 * time.Second)
	next, _ = svc.GetNextJobs(ctx, 5)
	assert.Equal(t, []string{id}, jobIDs(next))
}

func TestProcessStaleJobs(t *testing.T) {
	svc, clock, rec := newTestService(t, Config{StaleAfter: 30 * time.Minute})
	ctx := context.Background()
	id, _ := svc.Enqueue(ctx, Request{Payload: SinglePayload{Prompt: "test"}})
	_, _, err := svc.ClaimJob(ctx, id)
	require.NoError(t, err)

	n, err := svc.ProcessStaleJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(31 * time.Minute)
	health, err := svc.GetHealthStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, health.Status)

	n, err = svc.ProcessStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _ := svc.GetJob(ctx, id, "")
	assert.Equal(t, domain.JobStatusFailed, job.Meta().Status)
	genErr := domain.JobError(job)
	require.NotNil(t, genErr)
	assert.Equal(t, domain.ErrCodeTimeout, genErr.Code)
	assert.True(t, genErr.Retryable)
	assert.Equal(t, domain.EventJobTimeout, rec.events[len(rec.events)-1].Type)

	ok, err := svc.CompleteJob(ctx, id, Completion{})
	require.NoError(t, err)
	assert.False(t, ok, "late completion must be discarded")
}

func TestUpdateJobEmitsStatusEvent(t *testing.T) {
	svc, _, rec := newTestService(t, Config{})
	ctx := context.Background()
	id, _ := svc.Enqueue(ctx, Request{Payload: SinglePayload{Prompt: "test"}})

	_, err := svc.UpdateJob(ctx, id, JobUpdate{Progress: &domain.GenerationProgress{Percentage: 140, Stage: domain.StageGenerating}})
	require.NoError(t, err)
	completed := domain.JobStatusCompleted
	job, err := svc.UpdateJob(ctx, id, JobUpdate{Status: &completed, Results: []domain.GenerationResult{{ID: "r1", ImageURL: "https://cdn/x.png"}}})
	require.NoError(t, err)

	assert.NotNil(t, job.Meta().CompletedAt)
	assert.Equal(t, "r1", job.(*domain.SingleJob).Result.ID)
	types := rec.types()
	assert.Equal(t, []domain.EventType{domain.EventJobProgress, domain.EventJobCompleted}, types[2:])
	assert.Equal(t, 100, rec.events[2].Progress.Percentage)

	pending := domain.JobStatusPending
	_, err = svc.UpdateJob(ctx, id, JobUpdate{Status: &pending})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMetricsCountByStatus(t *testing.T) {
	svc, _, _ := newTestService(t, Config{MaxQueueSize: 5})
	ctx := context.Background()
	a, _ := svc.Enqueue(ctx, Request{Payload: SinglePayload{Prompt: "a"}})
	_, _ = svc.Enqueue(ctx, Request{Payload: SinglePayload{Prompt: "b"}})
	_, _ = svc.CancelJob(ctx, a, "")

	m, err := svc.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Total)
	assert.Equal(t, 1, m.Pending)
	assert.Equal(t, 1, m.Cancelled)
	assert.Equal(t, 4, m.Capacity)
}

func jobIDs(jobs []domain.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Meta().ID)
	}
	return out
}
