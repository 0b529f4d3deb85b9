package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
	"github.com/aipjn/character-creation-platform-sub000/internal/tracker"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeUpdater struct {
	mu      sync.Mutex
	known   map[string]bool
	changes []tracker.Change
}

func (f *fakeUpdater) UpdateJobStatus(_ context.Context, id string, change tracker.Change) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[id] {
		return false
	}
	f.changes = append(f.changes, change)
	return true
}

func newController(t *testing.T, cfg Config, updater StatusUpdater) (*Controller, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	c := New(Options{Updater: updater, Clock: clock, Logger: zerolog.Nop(), Config: cfg})
	return c, clock
}

func completedEvent() events.Event {
	job := &domain.SingleJob{JobMeta: domain.JobMeta{ID: "job_1", UserID: "u1", Status: domain.JobStatusCompleted}, Prompt: "test"}
	return events.Event{
		Type:      domain.EventJobCompleted,
		JobID:     "job_1",
		UserID:    "u1",
		Job:       job,
		Status:    domain.JobStatusCompleted,
		Timestamp: epoch,
	}
}

func TestDeliverySucceedsOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := newController(t, Config{RetryAttempts: 3}, nil)
	reg, err := c.RegisterWebhook(srv.URL, []domain.EventType{domain.EventJobCompleted}, "s3cret")
	require.NoError(t, err)

	ctx := context.Background()
	c.HandleEvent(ctx, completedEvent())
	c.HandleEvent(ctx, events.Event{Type: domain.EventJobProgress, JobID: "job_1"})
	deliveries := c.Deliveries(DeliveryFilter{})
	require.Len(t, deliveries, 1)
	id := deliveries[0].ID

	assert.Equal(t, 1, c.ProcessDeliveries(ctx))
	d, err := c.GetDelivery(id)
	require.NoError(t, err)
	assert.Equal(t, DeliveryPending, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, http.StatusBadGateway, d.ResponseCode)
	regs := c.ListWebhooks()
	require.Len(t, regs, 1)
	assert.Equal(t, 0, regs[0].SuccessCount)
	assert.Equal(t, 1, regs[0].FailureCount)
	assert.Contains(t, regs[0].LastError, "502")
	require.NotNil(t, regs[0].LastTriggeredAt)

	assert.Equal(t, 1, c.ProcessDeliveries(ctx))
	d, err = c.GetDelivery(id)
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, d.Status)
	assert.Equal(t, 2, d.Attempts)
	require.NotNil(t, d.DeliveredAt)
	regs = c.ListWebhooks()
	assert.Equal(t, 1, regs[0].SuccessCount)
	assert.Equal(t, 1, regs[0].FailureCount)
	assert.Empty(t, regs[0].LastError)
	assert.True(t, epoch.Equal(*regs[0].LastTriggeredAt))

	assert.Equal(t, reg.ID, gotHeaders.Get("X-Webhook-ID"))
	assert.Equal(t, id, gotHeaders.Get("X-Delivery-ID"))
	assert.Equal(t, Sign("s3cret", gotBody), gotHeaders.Get("X-Signature"))

	var p Payload
	require.NoError(t, json.Unmarshal(gotBody, &p))
	assert.Equal(t, domain.EventJobCompleted, p.Event)
	assert.Equal(t, "u1", p.Data.User.ID)
	assert.Contains(t, string(p.Data.Job), `"type":"single"`)

	assert.Equal(t, 0, c.ProcessDeliveries(ctx))
}

func TestDeliveryFailsAfterRetryAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newController(t, Config{RetryAttempts: 3}, nil)
	_, err := c.RegisterWebhook(srv.URL, nil, "")
	require.NoError(t, err)
	ctx := context.Background()
	c.HandleEvent(ctx, completedEvent())

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, c.ProcessDeliveries(ctx))
	}
	failed := c.Deliveries(DeliveryFilter{Status: DeliveryFailed})
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Empty(t, failed[0].Signature)

	regs := c.ListWebhooks()
	require.Len(t, regs, 1)
	assert.Equal(t, 0, regs[0].SuccessCount)
	assert.Equal(t, 3, regs[0].FailureCount)
	assert.Equal(t, "unexpected status 500", regs[0].LastError)

	assert.Equal(t, 0, c.ProcessDeliveries(ctx))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliveryIsRetryingWhileInFlight(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newController(t, Config{}, nil)
	_, err := c.RegisterWebhook(srv.URL, nil, "")
	require.NoError(t, err)
	ctx := context.Background()
	c.HandleEvent(ctx, completedEvent())

	done := make(chan int)
	go func() { done <- c.ProcessDeliveries(ctx) }()

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never reached the server")
	}
	inFlight := c.Deliveries(DeliveryFilter{})
	require.Len(t, inFlight, 1)
	assert.Equal(t, DeliveryRetrying, inFlight[0].Status)
	assert.Equal(t, 0, inFlight[0].Attempts)
	assert.Empty(t, c.Deliveries(DeliveryFilter{Status: DeliveryPending}))

	close(release)
	assert.Equal(t, 1, <-done)
	after := c.Deliveries(DeliveryFilter{})
	assert.Equal(t, DeliveryDelivered, after[0].Status)
	assert.Equal(t, 1, after[0].Attempts)
}

func TestProcessDeliveriesHonoursBatchSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c, _ := newController(t, Config{BatchSize: 2}, nil)
	_, err := c.RegisterWebhook(srv.URL, nil, "")
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.HandleEvent(ctx, completedEvent())
	}
	assert.Equal(t, 2, c.ProcessDeliveries(ctx))
	assert.Equal(t, 2, c.ProcessDeliveries(ctx))
	assert.Equal(t, 1, c.ProcessDeliveries(ctx))
	assert.Len(t, c.Deliveries(DeliveryFilter{Status: DeliveryDelivered}), 5)
}

func TestRegisterWebhookValidates(t *testing.T) {
	c, _ := newController(t, Config{}, nil)
	_, err := c.RegisterWebhook("ftp://example.com", nil, "")
	assert.ErrorIs(t, err, ErrInvalidURL)
	_, err = c.RegisterWebhook("https://example.com/hook", []domain.EventType{"job_exploded"}, "")
	assert.ErrorIs(t, err, ErrUnknownEvent)

	reg, err := c.RegisterWebhook("https://example.com/hook", nil, "x")
	require.NoError(t, err)
	assert.True(t, reg.HasSecret)
	require.Len(t, c.ListWebhooks(), 1)

	require.NoError(t, c.UnregisterWebhook(reg.ID))
	assert.ErrorIs(t, c.UnregisterWebhook(reg.ID), ErrWebhookNotFound)
	assert.Empty(t, c.ListWebhooks())
}

func TestPurgeDeliveriesKeepsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	c, clock := newController(t, Config{}, nil)
	_, err := c.RegisterWebhook(srv.URL, nil, "")
	require.NoError(t, err)
	ctx := context.Background()

	c.HandleEvent(ctx, completedEvent())
	c.ProcessDeliveries(ctx)
	c.HandleEvent(ctx, completedEvent())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, c.PurgeDeliveries(time.Hour))
	remaining := c.Deliveries(DeliveryFilter{})
	require.Len(t, remaining, 1)
	assert.Equal(t, DeliveryPending, remaining[0].Status)
}

func signedRequest(t *testing.T, secret, source string, ts time.Time, body string) *http.Request {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/inbound", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source", source)
	req.Header.Set("X-Timestamp", stamp)
	req.Header.Set("X-Signature", InboundSignature(secret, stamp, []byte(body)))
	return req
}

func TestInboundEndpoint(t *testing.T) {
	updater := &fakeUpdater{known: map[string]bool{"job_1": true}}
	c, _ := newController(t, Config{
		MaxPayloadSize:       256,
		DefaultInboundSecret: "shared",
		InboundSecrets:       map[string]string{SourceDashScope: "ds"},
	}, updater)

	body := `{"request_id":"job_1","output":{"task_status":"SUCCEEDED","results":[{"url":"https://cdn.test/a.png"}]}}`
	cases := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{"valid", func() *http.Request { return signedRequest(t, "ds", SourceDashScope, epoch, body) }, http.StatusOK},
		{"wrong secret", func() *http.Request { return signedRequest(t, "shared", SourceDashScope, epoch, body) }, http.StatusUnauthorized},
		{"skewed", func() *http.Request { return signedRequest(t, "ds", SourceDashScope, epoch.Add(-301*time.Second), body) }, http.StatusUnauthorized},
		{"within skew", func() *http.Request { return signedRequest(t, "ds", SourceDashScope, epoch.Add(299*time.Second), body) }, http.StatusOK},
		{"missing headers", func() *http.Request {
			r := signedRequest(t, "ds", SourceDashScope, epoch, body)
			r.Header.Del("X-Signature")
			return r
		}, http.StatusUnauthorized},
		{"content type", func() *http.Request {
			r := signedRequest(t, "ds", SourceDashScope, epoch, body)
			r.Header.Set("Content-Type", "text/plain")
			return r
		}, http.StatusBadRequest},
		{"too large", func() *http.Request {
			return signedRequest(t, "ds", SourceDashScope, epoch, `{"pad":"`+strings.Repeat("x", 300)+`"}`)
		}, http.StatusRequestEntityTooLarge},
		{"malformed", func() *http.Request { return signedRequest(t, "shared", SourceInternal, epoch, `{"jobId":`) }, http.StatusBadRequest},
		{"unknown job", func() *http.Request {
			return signedRequest(t, "shared", SourceInternal, epoch, `{"jobId":"job_9","status":"completed"}`)
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c.ServeHTTP(rec, tc.req())
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	require.Len(t, updater.changes, 2)
	change := updater.changes[0]
	assert.Equal(t, domain.JobStatusCompleted, change.Status)
	require.Len(t, change.Results, 1)
	assert.Equal(t, "https://cdn.test/a.png", change.Results[0].ImageURL)
}

func TestParseInboundSources(t *testing.T) {
	now := epoch
	u, err := ParseInbound(SourceReplicate, []byte(`{"id":"p1","status":"failed","error":"NSFW","input":{"job_id":"job_2"}}`), now)
	require.NoError(t, err)
	assert.Equal(t, "job_2", u.JobID)
	assert.Equal(t, domain.JobStatusFailed, u.Status)
	assert.Equal(t, "NSFW", u.Error.Message)

	u, err = ParseInbound(SourceReplicate, []byte(`{"status":"succeeded","output":"https://r.test/x.png","input":{"request_id":"job_3"}}`), now)
	require.NoError(t, err)
	assert.Equal(t, "job_3", u.JobID)
	require.Len(t, u.Results, 1)

	u, err = ParseInbound("somevendor", []byte(`{"job_id":"job_4","state":"running","progress":{"percentage":150,"stage":"uploading"}}`), now)
	require.NoError(t, err)
	assert.Equal(t, SourceGeneric, u.Source)
	assert.Equal(t, domain.JobStatusProcessing, u.Status)
	assert.Equal(t, 100, u.Progress.Percentage)
	assert.Equal(t, domain.StageUploading, u.Progress.Stage)

	u, err = ParseInbound(SourceGeneric, []byte(`{"id":"job_5","status":"weird","images":[{"url":"https://g.test/1.png"},"https://g.test/2.png"]}`), now)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatus(""), u.Status)
	assert.Len(t, u.Results, 2)

	_, err = ParseInbound(SourceDashScope, []byte(`{"output":{"task_status":"RUNNING"}}`), now)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	_, err = ParseInbound(SourceInternal, []byte(`{"jobId":"job_6","status":"exploded"}`), now)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestLoadFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
webhooks:
  - url: https://hooks.example.com/jobs
    events: [job_completed, job_failed]
    secret: s3cret
inbound:
  default_secret: shared
  secrets:
    dashscope: ds
`), 0o600))

	fc, err := LoadFileConfig(path)
	require.NoError(t, err)
	cfg := fc.Merge(Config{InboundSecrets: map[string]string{SourceDashScope: "override"}})
	assert.Equal(t, "shared", cfg.DefaultInboundSecret)
	assert.Equal(t, "override", cfg.InboundSecrets[SourceDashScope])

	c, _ := newController(t, cfg, nil)
	require.NoError(t, fc.Register(c))
	regs := c.ListWebhooks()
	require.Len(t, regs, 1)
	assert.Equal(t, []domain.EventType{domain.EventJobCompleted, domain.EventJobFailed}, regs[0].Events)

	fc.Webhooks[0].Events = []string{"nope"}
	assert.Error(t, fc.Register(c))

	empty, err := LoadFileConfig("")
	require.NoError(t, err)
	assert.Empty(t, empty.Webhooks)
}
