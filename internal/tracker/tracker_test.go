package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type sink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *sink) listen(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestTracker(t *testing.T, cfg Config, probes ...Probe) (*Tracker, *clockwork.FakeClock, *sink) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	tr := New(Options{Clock: clock, Logger: zerolog.Nop(), Config: cfg, Probes: probes})
	s := &sink{}
	tr.Bus().OnAll(s.listen)
	return tr, clock, s
}

func pendingJob(id string) *domain.SingleJob {
	return &domain.SingleJob{
		JobMeta: domain.JobMeta{ID: id, UserID: "u1", Status: domain.JobStatusPending, Priority: domain.PriorityNormal, CreatedAt: epoch, UpdatedAt: epoch},
		Prompt:  "a knight",
	}
}

func TestTrackJobEmitsCreatedOnce(t *testing.T) {
	tr, _, s := newTestTracker(t, Config{})
	ctx := context.Background()

	tr.TrackJob(ctx, pendingJob("job_1"))
	tr.TrackJob(ctx, pendingJob("job_1"))

	assert.Equal(t, []domain.EventType{domain.EventJobCreated}, s.types())
	m := tr.GetMetrics()
	assert.Equal(t, 1, m.TotalJobs)
	assert.Equal(t, 1, m.ActiveJobs)
}

func TestUpdateJobStatusDerivesEvents(t *testing.T) {
	tr, clock, s := newTestTracker(t, Config{})
	ctx := context.Background()
	tr.TrackJob(ctx, pendingJob("job_1"))

	require.True(t, tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusQueued}))
	require.True(t, tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusProcessing}))
	require.True(t, tr.UpdateJobStatus(ctx, "job_1", Change{
		Status: domain.JobStatusPending,
		Error:  &domain.GenerationError{Code: domain.ErrCodeRateLimited, Retryable: true},
	}))
	require.True(t, tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusProcessing}))
	clock.Advance(3 * time.Second)
	require.True(t, tr.UpdateJobStatus(ctx, "job_1", Change{
		Progress: &domain.GenerationProgress{Percentage: 140, Stage: domain.StageGenerating},
	}))
	require.True(t, tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusCompleted}))
	assert.False(t, tr.UpdateJobStatus(ctx, "missing", Change{Status: domain.JobStatusCompleted}))

	assert.Equal(t, []domain.EventType{
		domain.EventJobCreated,
		domain.EventJobQueued,
		domain.EventJobStarted,
		domain.EventJobRetry,
		domain.EventJobStarted,
		domain.EventJobProgress,
		domain.EventJobCompleted,
	}, s.types())

	job, ok := tr.GetJob("job_1")
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusCompleted, job.Meta().Status)
	require.NotNil(t, job.Meta().CompletedAt)
	assert.Equal(t, 100, domain.JobProgress(job).Percentage)

	m := tr.GetMetrics()
	assert.Equal(t, 1, m.CompletedJobs)
	assert.Equal(t, 0, m.ActiveJobs)
	assert.Equal(t, 1, m.Events[domain.EventJobRetry])
}

func TestHistoryIsCapped(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{MaxStatusHistory: 10})
	ctx := context.Background()
	tr.TrackJob(ctx, pendingJob("job_1"))

	for i := 0; i < 15; i++ {
		tr.UpdateJobStatus(ctx, "job_1", Change{Progress: &domain.GenerationProgress{Percentage: i}})
	}
	history := tr.GetHistory("job_1")
	require.Len(t, history, 10)
	assert.Equal(t, 5, history[0].Progress.Percentage)
	assert.Equal(t, 14, history[9].Progress.Percentage)

	tr2, _, _ := newTestTracker(t, Config{MaxStatusHistory: 10})
	tr2.TrackJob(ctx, pendingJob("job_2"))
	for i := 0; i < 3; i++ {
		tr2.UpdateJobStatus(ctx, "job_2", Change{Progress: &domain.GenerationProgress{Percentage: i}})
	}
	assert.Len(t, tr2.GetHistory("job_2"), 3)
}

func TestSubscribeFiltersAndUnsubscribe(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	ctx := context.Background()
	tr.TrackJob(ctx, pendingJob("job_1"))

	var mu sync.Mutex
	var got []domain.EventType
	cb := func(_ context.Context, n Notification) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n.Event)
		return nil
	}
	tr.Subscribe("job_1", cb, []domain.EventType{domain.EventJobCompleted}, "u1")
	allID := tr.Subscribe("job_1", cb, nil, "u2")
	assert.Equal(t, 2, tr.SubscriptionCount("job_1"))

	tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusProcessing})
	tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusCompleted})
	assert.Equal(t, []domain.EventType{domain.EventJobStarted, domain.EventJobCompleted, domain.EventJobCompleted}, got)

	assert.Equal(t, 1, tr.Unsubscribe("job_1", "u1"))
	assert.True(t, tr.UnsubscribeByID(allID))
	assert.False(t, tr.UnsubscribeByID(allID))
	assert.Equal(t, 0, tr.SubscriptionCount("job_1"))

	got = nil
	tr.UpdateJobStatus(ctx, "job_1", Change{Progress: &domain.GenerationProgress{Percentage: 100}})
	assert.Empty(t, got)
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (l *eventLog) record(_ context.Context, n Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, n.Event)
	return nil
}

func (l *eventLog) seen() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.EventType(nil), l.events...)
}

func TestUnsubscribeLeavesOtherUsersSubscribed(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	ctx := context.Background()
	tr.TrackJob(ctx, pendingJob("job_1"))

	var u1, u2 eventLog
	tr.Subscribe("job_1", u1.record, nil, "u1")
	tr.Subscribe("job_1", u2.record, nil, "u2")

	tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusProcessing})
	assert.Equal(t, []domain.EventType{domain.EventJobStarted}, u1.seen())
	assert.Equal(t, []domain.EventType{domain.EventJobStarted}, u2.seen())

	assert.Equal(t, 1, tr.Unsubscribe("job_1", "u1"))
	assert.Equal(t, 1, tr.SubscriptionCount("job_1"))

	tr.UpdateJobStatus(ctx, "job_1", Change{Progress: &domain.GenerationProgress{Percentage: 50}})
	assert.Equal(t, []domain.EventType{domain.EventJobStarted}, u1.seen())
	assert.Equal(t, []domain.EventType{domain.EventJobStarted, domain.EventJobProgress}, u2.seen())

	assert.Equal(t, 1, tr.Unsubscribe("job_1", "u2"))
	tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusCompleted})
	assert.Len(t, u1.seen(), 1)
	assert.Len(t, u2.seen(), 2)
}

func TestNotificationTimeoutCountsFailure(t *testing.T) {
	tr, clock, s := newTestTracker(t, Config{NotificationTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr.TrackJob(ctx, pendingJob("job_1"))

	release := make(chan struct{})
	defer close(release)
	tr.Subscribe("job_1", func(context.Context, Notification) error {
		<-release
		return nil
	}, nil, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusProcessing})
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(5 * time.Second)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("update did not return after notification timeout")
	}

	assert.Equal(t, 1, tr.GetMetrics().NotificationFailures)
	assert.Contains(t, s.types(), domain.EventNotificationFailed)
}

func TestSubscriberErrorAndPanicAreIsolated(t *testing.T) {
	tr, _, _ := newTestTracker(t, Config{})
	ctx := context.Background()
	tr.TrackJob(ctx, pendingJob("job_1"))

	delivered := 0
	tr.Subscribe("job_1", func(context.Context, Notification) error { return errors.New("boom") }, nil, "")
	tr.Subscribe("job_1", func(context.Context, Notification) error { panic("bad subscriber") }, nil, "")
	tr.Subscribe("job_1", func(context.Context, Notification) error { delivered++; return nil }, nil, "")

	tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusProcessing})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 2, tr.GetMetrics().NotificationFailures)
}

func TestHandleQueueEventKeepsQueueTypes(t *testing.T) {
	tr, clock, s := newTestTracker(t, Config{})
	ctx := context.Background()

	job := pendingJob("job_1")
	tr.HandleQueueEvent(ctx, events.Event{Type: domain.EventJobCreated, JobID: "job_1", Job: job, Status: job.Status})
	tr.HandleQueueEvent(ctx, events.Event{Type: domain.EventJobQueued, JobID: "job_1", Job: job, Status: job.Status})

	clock.Advance(time.Second)
	running := pendingJob("job_1")
	domain.SetStatus(running, domain.JobStatusProcessing, clock.Now())
	tr.HandleQueueEvent(ctx, events.Event{Type: domain.EventJobStarted, JobID: "job_1", Job: running, Status: running.Status, PreviousStatus: domain.JobStatusPending})

	failed := pendingJob("job_1")
	failed.Error = &domain.GenerationError{Code: domain.ErrCodeTimeout, Retryable: true}
	domain.SetStatus(failed, domain.JobStatusFailed, clock.Now())
	tr.HandleQueueEvent(ctx, events.Event{Type: domain.EventJobTimeout, JobID: "job_1", Job: failed, Status: failed.Status, Error: failed.Error})

	assert.Equal(t, []domain.EventType{
		domain.EventJobCreated,
		domain.EventJobQueued,
		domain.EventJobStarted,
		domain.EventJobTimeout,
	}, s.types())
	assert.Equal(t, 1, tr.GetMetrics().FailedJobs)
}

func TestSweepStaleReportsOncePerPeriod(t *testing.T) {
	tr, clock, s := newTestTracker(t, Config{StaleJobTimeout: time.Minute})
	ctx := context.Background()
	tr.TrackJob(ctx, pendingJob("job_1"))
	tr.UpdateJobStatus(ctx, "job_1", Change{Status: domain.JobStatusProcessing})

	assert.Empty(t, tr.SweepStale(ctx))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"job_1"}, tr.SweepStale(ctx))
	assert.Empty(t, tr.SweepStale(ctx))

	tr.UpdateJobStatus(ctx, "job_1", Change{Progress: &domain.GenerationProgress{Percentage: 50}})
	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{"job_1"}, tr.SweepStale(ctx))

	stale := 0
	for _, et := range s.types() {
		if et == domain.EventJobStale {
			stale++
		}
	}
	assert.Equal(t, 2, stale)
	job, _ := tr.GetJob("job_1")
	assert.Equal(t, domain.JobStatusProcessing, job.Meta().Status)
}

func TestCheckHealthEmitsOnChange(t *testing.T) {
	status := HealthHealthy
	probe := Probe{Name: "provider", Check: func(context.Context) (HealthStatus, error) {
		if status == HealthUnhealthy {
			return "", errors.New("connection refused")
		}
		return status, nil
	}}
	tr, _, s := newTestTracker(t, Config{}, probe)
	ctx := context.Background()

	assert.Equal(t, HealthHealthy, tr.CheckHealth(ctx).Status)
	status = HealthDegraded
	assert.Equal(t, HealthDegraded, tr.CheckHealth(ctx).Status)
	status = HealthUnhealthy
	report := tr.CheckHealth(ctx)
	assert.Equal(t, HealthUnhealthy, report.Status)
	assert.Equal(t, "connection refused", report.Services["provider"].Error)
	tr.CheckHealth(ctx)

	changes := 0
	for _, et := range s.types() {
		if et == domain.EventHealthChanged {
			changes++
		}
	}
	assert.Equal(t, 2, changes)
	assert.Equal(t, HealthUnhealthy, tr.GetHealth().Status)
}

func TestCleanupRemovesOldTerminalJobs(t *testing.T) {
	tr, clock, _ := newTestTracker(t, Config{})
	ctx := context.Background()
	tr.TrackJob(ctx, pendingJob("old"))
	tr.TrackJob(ctx, pendingJob("running"))
	tr.UpdateJobStatus(ctx, "old", Change{Status: domain.JobStatusCompleted})
	tr.Subscribe("old", func(context.Context, Notification) error { return nil }, nil, "")

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, tr.Cleanup(time.Hour))
	_, ok := tr.GetJob("old")
	assert.False(t, ok)
	assert.Empty(t, tr.GetHistory("old"))
	assert.Equal(t, 0, tr.SubscriptionCount("old"))
	_, ok = tr.GetJob("running")
	assert.True(t, ok)
}
