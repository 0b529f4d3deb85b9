// Package tracker keeps the in-process view of job status: the latest known
// state of each job, its status history, aggregate metrics, subscriber
// notifications and sub-service health.
//
// The tracker is a cache. The job store remains the system of record and the
// tracker can be rebuilt from it by replaying TrackJob.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
	"github.com/aipjn/character-creation-platform-sub000/internal/metrics"
)

type Config struct {
	MaxStatusHistory    int
	NotificationTimeout time.Duration
	StaleJobTimeout     time.Duration
	StaleCheckInterval  time.Duration
	HealthCheckInterval time.Duration
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxStatusHistory:    100,
		NotificationTimeout: 5 * time.Second,
		StaleJobTimeout:     5 * time.Minute,
		StaleCheckInterval:  time.Second,
		HealthCheckInterval: 30 * time.Second,
		ProbeTimeout:        5 * time.Second,
	}
}

type Options struct {
	Bus     *events.Bus
	Clock   clockwork.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Probes  []Probe
	Config  Config
}

// StatusUpdate is one history entry.
type StatusUpdate struct {
	JobID          string                     `json:"jobId"`
	PreviousStatus domain.JobStatus           `json:"previousStatus"`
	NewStatus      domain.JobStatus           `json:"newStatus"`
	Event          domain.EventType           `json:"event"`
	Progress       *domain.GenerationProgress `json:"progress,omitempty"`
	Error          *domain.GenerationError    `json:"error,omitempty"`
	Results        []domain.GenerationResult  `json:"results,omitempty"`
	Timestamp      time.Time                  `json:"timestamp"`
	Metadata       map[string]any             `json:"metadata,omitempty"`
}

// Change is the input to UpdateJobStatus. Snapshot, when set, replaces the
// tracked copy before the remaining fields are merged. Event, when set,
// replaces the event derived from the status pair.
type Change struct {
	Event    domain.EventType
	Status   domain.JobStatus
	Progress *domain.GenerationProgress
	Error    *domain.GenerationError
	Results  []domain.GenerationResult
	Snapshot domain.Job
	Metadata map[string]any
}

// Metrics aggregates what the tracker has seen during this process lifetime.
type Metrics struct {
	TotalJobs             int                      `json:"totalJobs"`
	ActiveJobs            int                      `json:"activeJobs"`
	CompletedJobs         int                      `json:"completedJobs"`
	FailedJobs            int                      `json:"failedJobs"`
	CancelledJobs         int                      `json:"cancelledJobs"`
	AverageProcessingTime time.Duration            `json:"averageProcessingTimeNs"`
	NotificationFailures  int                      `json:"notificationFailures"`
	Events                map[domain.EventType]int `json:"events"`
	LastUpdated           time.Time                `json:"lastUpdated"`
}

// Tracker is the Status Tracker.
type Tracker struct {
	bus     *events.Bus
	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics
	probes  []Probe
	cfg     Config

	mu         sync.Mutex
	jobs       map[string]domain.Job
	history    map[string][]StatusUpdate
	subs       map[string][]*subscription
	jobLocks   map[string]*sync.Mutex
	staleSeen  map[string]time.Time
	stats      Metrics
	durations  int
	health     HealthReport
	healthSeen bool
}

func New(opts Options) *Tracker {
	def := DefaultConfig()
	cfg := opts.Config
	if cfg.MaxStatusHistory <= 0 {
		cfg.MaxStatusHistory = def.MaxStatusHistory
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = def.NotificationTimeout
	}
	if cfg.StaleJobTimeout <= 0 {
		cfg.StaleJobTimeout = def.StaleJobTimeout
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = def.StaleCheckInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(opts.Logger)
	}
	return &Tracker{
		bus:       bus,
		clock:     clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		probes:    opts.Probes,
		cfg:       cfg,
		jobs:      make(map[string]domain.Job),
		history:   make(map[string][]StatusUpdate),
		subs:      make(map[string][]*subscription),
		jobLocks:  make(map[string]*sync.Mutex),
		staleSeen: make(map[string]time.Time),
		stats:     Metrics{Events: make(map[domain.EventType]int)},
		health:    HealthReport{Status: HealthHealthy, Services: map[string]ServiceHealth{}},
	}
}

// Bus returns the bus tracker events are published on.
func (t *Tracker) Bus() *events.Bus { return t.bus }

// lockJob serialises updates for one job so its transitions are observed in
// order.
func (t *Tracker) lockJob(id string) func() {
	t.mu.Lock()
	l, ok := t.jobLocks[id]
	if !ok {
		l = &sync.Mutex{}
		t.jobLocks[id] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// TrackJob upserts job. The first sighting counts towards TotalJobs and
// emits job_created.
func (t *Tracker) TrackJob(ctx context.Context, job domain.Job) {
	if job == nil {
		return
	}
	id := job.Meta().ID
	unlock := t.lockJob(id)
	defer unlock()

	snapshot := domain.CloneJob(job)
	if snapshot == nil {
		return
	}
	t.mu.Lock()
	_, known := t.jobs[id]
	t.jobs[id] = snapshot
	if !known {
		t.stats.TotalJobs++
	}
	t.recountActive()
	out := domain.CloneJob(snapshot)
	t.mu.Unlock()

	if !known {
		meta := out.Meta()
		t.publish(ctx, events.Event{
			Type:      domain.EventJobCreated,
			JobID:     id,
			UserID:    meta.UserID,
			Job:       out,
			Status:    meta.Status,
			Progress:  domain.JobProgress(out),
			Timestamp: t.clock.Now().UTC(),
		})
	}
}

// UpdateJobStatus merges change into the tracked job, records history,
// emits the derived event and notifies subscribers. It returns false when the
// job is unknown.
func (t *Tracker) UpdateJobStatus(ctx context.Context, id string, change Change) bool {
	unlock := t.lockJob(id)
	defer unlock()

	now := t.clock.Now().UTC()

	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	prev := job.Meta().Status
	if change.Snapshot != nil {
		if snap := domain.CloneJob(change.Snapshot); snap != nil {
			job = snap
			t.jobs[id] = job
		}
	}
	status := change.Status
	if status == "" {
		status = job.Meta().Status
	}
	domain.SetStatus(job, status, now)
	meta := job.Meta()
	if status == domain.JobStatusProcessing && meta.StartedAt == nil {
		started := now
		meta.StartedAt = &started
	}
	if change.Progress != nil {
		p := *change.Progress
		p.Clamp()
		domain.SetJobProgress(job, &p)
	}
	if change.Error != nil {
		e := *change.Error
		domain.SetJobError(job, &e)
	}
	if change.Results != nil {
		domain.SetJobResults(job, change.Results)
	}

	ev := change.Event
	if ev == "" {
		ev = deriveEvent(prev, status, change.Error != nil)
	}
	entry := StatusUpdate{
		JobID:          id,
		PreviousStatus: prev,
		NewStatus:      status,
		Event:          ev,
		Progress:       domain.JobProgress(job),
		Error:          change.Error,
		Results:        change.Results,
		Timestamp:      now,
		Metadata:       change.Metadata,
	}
	t.appendHistory(id, entry)
	if !prev.IsTerminal() && status.IsTerminal() {
		t.recordTerminal(job, status)
	}
	t.recountActive()
	delete(t.staleSeen, id)
	out := domain.CloneJob(job)
	t.mu.Unlock()

	t.publish(ctx, events.Event{
		Type:           ev,
		JobID:          id,
		UserID:         meta.UserID,
		Job:            out,
		PreviousStatus: prev,
		Status:         status,
		Progress:       entry.Progress,
		Error:          change.Error,
		Results:        change.Results,
		Timestamp:      now,
		Metadata:       change.Metadata,
	})
	return true
}

// deriveEvent maps a (previous, new) status pair onto the semantic event.
func deriveEvent(prev, next domain.JobStatus, hasError bool) domain.EventType {
	switch {
	case prev == domain.JobStatusProcessing && next == domain.JobStatusPending && hasError:
		return domain.EventJobRetry
	case prev == domain.JobStatusPending && next == domain.JobStatusQueued:
		return domain.EventJobQueued
	case next == domain.JobStatusProcessing && prev != domain.JobStatusProcessing:
		return domain.EventJobStarted
	case next == domain.JobStatusCompleted && prev != next:
		return domain.EventJobCompleted
	case next == domain.JobStatusFailed && prev != next:
		return domain.EventJobFailed
	case next == domain.JobStatusCancelled && prev != next:
		return domain.EventJobCancelled
	default:
		return domain.EventJobProgress
	}
}

// appendHistory keeps at most MaxStatusHistory entries, dropping the oldest.
// Caller holds t.mu.
func (t *Tracker) appendHistory(id string, entry StatusUpdate) {
	h := append(t.history[id], entry)
	if over := len(h) - t.cfg.MaxStatusHistory; over > 0 {
		h = append([]StatusUpdate(nil), h[over:]...)
	}
	t.history[id] = h
}

// Caller holds t.mu.
func (t *Tracker) recordTerminal(job domain.Job, status domain.JobStatus) {
	switch status {
	case domain.JobStatusCompleted:
		t.stats.CompletedJobs++
		meta := job.Meta()
		if meta.StartedAt != nil && meta.CompletedAt != nil {
			took := meta.CompletedAt.Sub(*meta.StartedAt)
			t.durations++
			t.stats.AverageProcessingTime += (took - t.stats.AverageProcessingTime) / time.Duration(t.durations)
		}
	case domain.JobStatusFailed:
		t.stats.FailedJobs++
	case domain.JobStatusCancelled:
		t.stats.CancelledJobs++
	}
}

// Caller holds t.mu.
func (t *Tracker) recountActive() {
	active := 0
	for _, j := range t.jobs {
		if j.Meta().Status.IsActive() {
			active++
		}
	}
	t.stats.ActiveJobs = active
	t.stats.LastUpdated = t.clock.Now().UTC()
}

// GetJob returns a copy of the tracked job.
func (t *Tracker) GetJob(id string) (domain.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	return domain.CloneJob(job), true
}

// GetHistory returns the job's history, oldest first.
func (t *Tracker) GetHistory(id string) []StatusUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]StatusUpdate(nil), t.history[id]...)
}

func (t *Tracker) GetMetrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.stats
	m.Events = make(map[domain.EventType]int, len(t.stats.Events))
	for k, v := range t.stats.Events {
		m.Events[k] = v
	}
	return m
}

// TimelineEntry is a compact view of one history entry for API responses.
type TimelineEntry struct {
	Status     domain.JobStatus `json:"status"`
	Event      domain.EventType `json:"event"`
	Percentage *int             `json:"percentage,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	ErrorCode  string           `json:"errorCode,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

func (t *Tracker) Timeline(id string) []TimelineEntry {
	history := t.GetHistory(id)
	out := make([]TimelineEntry, 0, len(history))
	for _, h := range history {
		e := TimelineEntry{Status: h.NewStatus, Event: h.Event, Timestamp: h.Timestamp}
		if h.Progress != nil {
			pct := h.Progress.Percentage
			e.Percentage = &pct
			e.Stage = string(h.Progress.Stage)
		}
		if h.Error != nil {
			e.ErrorCode = h.Error.Code
		}
		out = append(out, e)
	}
	return out
}

// HandleQueueEvent feeds queue events into the tracker. Events the status
// pair cannot express (promotion, deferral, timeout) keep their queue type.
func (t *Tracker) HandleQueueEvent(ctx context.Context, ev events.Event) {
	if ev.Job == nil {
		return
	}
	if _, known := t.GetJob(ev.JobID); !known {
		t.TrackJob(ctx, ev.Job)
	}
	change := Change{
		Status:   ev.Status,
		Progress: ev.Progress,
		Error:    ev.Error,
		Results:  ev.Results,
		Snapshot: ev.Job,
		Metadata: ev.Metadata,
	}
	switch ev.Type {
	case domain.EventJobCreated:
		return
	case domain.EventJobQueued, domain.EventJobTimeout:
		change.Event = ev.Type
	}
	t.UpdateJobStatus(ctx, ev.JobID, change)
}

// publish counts, emits on the bus and notifies subscribers.
func (t *Tracker) publish(ctx context.Context, ev events.Event) {
	t.mu.Lock()
	t.stats.Events[ev.Type]++
	t.mu.Unlock()
	t.metrics.TrackerEvent(string(ev.Type))
	t.bus.Emit(ctx, ev)
	if ev.JobID != "" {
		t.notify(ctx, ev)
	}
}

// Cleanup purges terminal jobs that completed before now-maxAge together with
// their history and subscriptions. It returns the number of jobs removed.
func (t *Tracker) Cleanup(maxAge time.Duration) int {
	cutoff := t.clock.Now().UTC().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, job := range t.jobs {
		meta := job.Meta()
		if !meta.Status.IsTerminal() || meta.CompletedAt == nil || !meta.CompletedAt.Before(cutoff) {
			continue
		}
		delete(t.jobs, id)
		delete(t.history, id)
		delete(t.subs, id)
		delete(t.jobLocks, id)
		delete(t.staleSeen, id)
		removed++
	}
	if removed > 0 {
		t.recountActive()
		t.logger.Info().Int("removed", removed).Msg("tracker: cleaned up terminal jobs")
	}
	return removed
}
