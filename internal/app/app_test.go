package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipjn/character-creation-platform-sub000/internal/breaker"
	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/infra"
	"github.com/aipjn/character-creation-platform-sub000/internal/middleware"
	"github.com/aipjn/character-creation-platform-sub000/internal/provider"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
	"github.com/aipjn/character-creation-platform-sub000/internal/webhook"
)

func testConfig() *infra.Config {
	return &infra.Config{
		AppEnv:                  "test",
		Port:                    "0",
		JobStoreDriver:          infra.StoreMemory,
		RateLimitPerMin:         1000,
		MaxConcurrentJobs:       2,
		MaxQueueSize:            10,
		MaxActiveJobsPerUser:    5,
		RetryAttempts:           3,
		RetryDelay:              time.Second,
		JobTimeout:              time.Minute,
		PollInterval:            time.Second,
		WorkerHealthInterval:    30 * time.Second,
		StaleJobThreshold:       5 * time.Minute,
		ShutdownTimeout:         5 * time.Second,
		BreakerFailureThreshold: 50,
		WebhookInboundSecret:    "inbound",
	}
}

type testApp struct {
	*App
	clock *clockwork.FakeClock
	redis *miniredis.Miniredis
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	return newTestAppWithLogger(t, zerolog.Nop())
}

func newTestAppWithLogger(t *testing.T, logger zerolog.Logger) *testApp {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	a, err := New(context.Background(), testConfig(), logger, Options{
		Clock:      clock,
		Registerer: reg,
		Gatherer:   reg,
		Provider:   provider.NewSynthetic(0),
		Redis:      client,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return &testApp{App: a, clock: clock, redis: mr}
}

func (a *testApp) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.UserHeader, "user-1")
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)
	return rec
}

func TestEnqueuedJobFlowsToTrackerCacheAndWebhooks(t *testing.T) {
	a := newTestApp(t)
	_, err := a.Webhooks.RegisterWebhook("https://hooks.example/jobs", []domain.EventType{domain.EventJobCompleted}, "")
	require.NoError(t, err)

	rec := a.post(t, "/v1/jobs", map[string]any{"type": "single", "prompt": "a paper boat"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	tracked, ok := a.Tracker.GetJob(created.JobID)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusPending, tracked.Meta().Status)

	cached, ok, err := a.Cache.Get(context.Background(), created.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.JobID, cached.Meta().ID)

	ctx := context.Background()
	require.Equal(t, 1, a.Worker.Poll(ctx))
	a.Worker.Wait()

	job, err := a.Queue.GetJob(ctx, created.JobID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Meta().Status)
	require.Len(t, domain.JobResults(job), 1)

	tracked, _ = a.Tracker.GetJob(created.JobID)
	assert.Equal(t, domain.JobStatusCompleted, tracked.Meta().Status)

	deliveries := a.Webhooks.Deliveries(webhook.DeliveryFilter{JobID: created.JobID})
	require.Len(t, deliveries, 1)
	assert.Equal(t, domain.EventJobCompleted, deliveries[0].Event)

	cached, _, err = a.Cache.Get(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, cached.Meta().Status)
}

func TestHealthProbes(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	report := a.Tracker.CheckHealth(ctx)
	assert.Equal(t, tracker.HealthHealthy, report.Status)
	for _, name := range []string{"provider_api", "database", "storage", "cache", "queue"} {
		assert.Contains(t, report.Services, name)
	}

	a.redis.Close()
	report = a.Tracker.CheckHealth(ctx)
	assert.Equal(t, tracker.HealthDegraded, report.Status)
	assert.Equal(t, tracker.HealthDegraded, report.Services["cache"].Status)

	a.Breakers.Get("provider").ForceOpen()
	report = a.Tracker.CheckHealth(ctx)
	assert.Equal(t, tracker.HealthUnhealthy, report.Status)
}

func TestBreakerTransitionIsLoggedOnceAndExported(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAppWithLogger(t, zerolog.New(&buf))

	a.Breakers.Get("provider").ForceOpen()

	assert.Equal(t, 1, strings.Count(buf.String(), "state changed"))
	assert.Equal(t, float64(breaker.StateOpen), testutil.ToFloat64(a.Metrics.BreakerState.WithLabelValues("provider")))
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, RoleWorker) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
