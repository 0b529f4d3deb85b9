// Package queue implements admission control and the job lifecycle
// operations on top of a domain.JobStore.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/events"
	"github.com/aipjn/character-creation-platform-sub000/internal/metrics"
)

// Config holds admission limits and health thresholds.
type Config struct {
	MaxQueueSize         int
	MaxActiveJobsPerUser int
	// StaleAfter is how long a job may stay processing before the queue
	// force-fails it.
	StaleAfter time.Duration
	// UnhealthyFailedCount marks the queue unhealthy once this many jobs failed.
	UnhealthyFailedCount int
}

func DefaultConfig() Config {
	return Config{
		MaxQueueSize:         100,
		MaxActiveJobsPerUser: 10,
		StaleAfter:           30 * time.Minute,
		UnhealthyFailedCount: 10,
	}
}

// Options wires a Service. Store is required.
type Options struct {
	Store   domain.JobStore
	Bus     *events.Bus
	Clock   clockwork.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Config  Config
}

// Service is the Queue Service.
type Service struct {
	store    domain.JobStore
	bus      *events.Bus
	clock    clockwork.Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	cfg      Config
	validate *validator.Validate
}

func New(opts Options) *Service {
	def := DefaultConfig()
	cfg := opts.Config
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxActiveJobsPerUser <= 0 {
		cfg.MaxActiveJobsPerUser = def.MaxActiveJobsPerUser
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.UnhealthyFailedCount <= 0 {
		cfg.UnhealthyFailedCount = def.UnhealthyFailedCount
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(opts.Logger)
	}
	return &Service{
		store:    opts.Store,
		bus:      bus,
		clock:    clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		cfg:      cfg,
		validate: newValidator(),
	}
}

// Bus returns the bus queue events are published on.
func (s *Service) Bus() *events.Bus { return s.bus }

// Enqueue validates req, applies admission limits, persists the job and
// emits job_created followed by job_queued.
func (s *Service) Enqueue(ctx context.Context, req Request) (string, error) {
	if err := s.validateRequest(req); err != nil {
		return "", err
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}

	if req.UserID != "" {
		active, err := s.store.Find(ctx, domain.JobFilter{UserID: req.UserID, Statuses: domain.ActiveStatuses()})
		if err != nil {
			return "", fmt.Errorf("count user jobs: %w", err)
		}
		if len(active) >= s.cfg.MaxActiveJobsPerUser {
			return "", &domain.CapacityError{Reason: "too many active jobs for user", Limit: s.cfg.MaxActiveJobsPerUser}
		}
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return "", fmt.Errorf("count jobs: %w", err)
	}
	if counts[domain.JobStatusPending]+counts[domain.JobStatusQueued] >= s.cfg.MaxQueueSize {
		return "", &domain.CapacityError{Reason: "queue is full", Limit: s.cfg.MaxQueueSize}
	}

	now := s.clock.Now().UTC()
	job := s.buildJob(req, now)
	if err := s.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	meta := job.Meta()
	s.metrics.JobEnqueued(string(job.Type()), string(meta.Priority))
	s.logger.Info().
		Str("job_id", meta.ID).
		Str("type", string(job.Type())).
		Str("priority", string(meta.Priority)).
		Str("status", string(meta.Status)).
		Msg("queue: job enqueued")

	s.emit(ctx, domain.EventJobCreated, job, "", nil)
	s.emit(ctx, domain.EventJobQueued, job, "", nil)
	return meta.ID, nil
}

func (s *Service) buildJob(req Request, now time.Time) domain.Job {
	meta := domain.JobMeta{
		ID:        domain.NewJobID(now),
		UserID:    req.UserID,
		Status:    domain.JobStatusPending,
		Priority:  req.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		meta.ScheduledAt = &at
		if at.After(now) {
			meta.Status = domain.JobStatusQueued
		}
	}

	switch p := req.Payload.(type) {
	case CharacterPayload:
		return &domain.CharacterJob{
			JobMeta:          meta,
			CharacterID:      p.CharacterID,
			CharacterSpecs:   p.Specs,
			GenerationParams: p.Params.WithDefaults(),
			Progress:         &domain.GenerationProgress{Stage: domain.StageQueued},
		}
	case BatchPayload:
		batchID := p.BatchID
		if batchID == "" {
			batchID = "batch_" + uuid.NewString()
		}
		requests := make([]*domain.SingleJob, 0, len(p.Requests))
		for i, r := range p.Requests {
			sub := meta
			sub.ID = meta.ID + "_" + strconv.Itoa(i)
			sub.Status = domain.JobStatusPending
			sub.ScheduledAt = nil
			requests = append(requests, singleFrom(sub, r))
		}
		return &domain.BatchJob{
			JobMeta:       meta,
			BatchID:       batchID,
			Requests:      requests,
			TotalRequests: len(requests),
			Progress:      &domain.GenerationProgress{Stage: domain.StageQueued},
		}
	case SinglePayload:
		return singleFrom(meta, p)
	}
	// validateRequest has rejected every other payload.
	panic(fmt.Sprintf("queue: unhandled payload %T", req.Payload))
}

func singleFrom(meta domain.JobMeta, p SinglePayload) *domain.SingleJob {
	return &domain.SingleJob{
		JobMeta:          meta,
		Prompt:           p.Prompt,
		NegativePrompt:   p.NegativePrompt,
		GenerationParams: p.Params.WithDefaults(),
		InputImage:       p.InputImage,
		Progress:         &domain.GenerationProgress{Stage: domain.StageQueued},
	}
}

// GetJob returns a job. A non-empty userID must own the job.
func (s *Service) GetJob(ctx context.Context, id, userID string) (domain.Job, error) {
	job, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && job.Meta().UserID != userID {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrUnauthorized)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	return s.store.Find(ctx, filter)
}

// CancelJob cancels a pending or queued job. It returns false with
// ErrNotCancellable once the job has left those states.
func (s *Service) CancelJob(ctx context.Context, id, userID string) (bool, error) {
	job, err := s.GetJob(ctx, id, userID)
	if err != nil {
		return false, err
	}
	prev := job.Meta().Status
	if prev != domain.JobStatusPending && prev != domain.JobStatusQueued {
		return false, fmt.Errorf("job %s is %s: %w", id, prev, domain.ErrNotCancellable)
	}
	domain.SetStatus(job, domain.JobStatusCancelled, s.clock.Now().UTC())
	applied, err := s.store.UpdateIfStatus(ctx, job, prev)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if !applied {
		return false, fmt.Errorf("job %s changed state: %w", id, domain.ErrNotCancellable)
	}
	s.logger.Info().Str("job_id", id).Msg("queue: job cancelled")
	s.emit(ctx, domain.EventJobCancelled, job, prev, nil)
	return true, nil
}

// JobUpdate is a partial update. Nil fields are left untouched.
type JobUpdate struct {
	Status   *domain.JobStatus
	Progress *domain.GenerationProgress
	Error    *domain.GenerationError
	Results  []domain.GenerationResult
}

// UpdateJob applies update and emits the event matching the new status, or
// job_progress when the status did not change.
func (s *Service) UpdateJob(ctx context.Context, id string, update JobUpdate) (domain.Job, error) {
	job, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	meta := job.Meta()
	prev := meta.Status
	now := s.clock.Now().UTC()
	if update.Status != nil {
		if !update.Status.Valid() {
			return nil, domain.NewValidationError(fmt.Sprintf("status %q is not valid", *update.Status))
		}
		if prev.IsTerminal() && *update.Status != prev {
			return nil, fmt.Errorf("job %s is %s: %w", id, prev, domain.ErrInvalidTransition)
		}
		domain.SetStatus(job, *update.Status, now)
		if *update.Status == domain.JobStatusProcessing && meta.StartedAt == nil {
			started := now
			meta.StartedAt = &started
		}
	} else {
		meta.UpdatedAt = now
	}
	if update.Progress != nil {
		p := *update.Progress
		p.Clamp()
		domain.SetJobProgress(job, &p)
	}
	if update.Error != nil {
		e := *update.Error
		e.RetryCount = meta.RetryCount
		domain.SetJobError(job, &e)
	}
	if update.Results != nil {
		domain.SetJobResults(job, update.Results)
	}

	applied, err := s.store.UpdateIfStatus(ctx, job, prev)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if !applied {
		return nil, fmt.Errorf("job %s changed state concurrently: %w", id, domain.ErrInvalidTransition)
	}

	ev := domain.EventJobProgress
	if meta.Status != prev {
		ev = domain.EventForStatus(meta.Status)
	}
	var genErr *domain.GenerationError
	if update.Error != nil {
		genErr = domain.JobError(job)
	}
	s.emit(ctx, ev, job, prev, genErr)
	return job, nil
}

// GetNextJobs promotes scheduled jobs whose time has come and returns up to
// limit pending jobs in dequeue order.
func (s *Service) GetNextJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	now := s.clock.Now().UTC()
	promoted, err := s.store.PromoteScheduled(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("promote scheduled jobs: %w", err)
	}
	for _, job := range promoted {
		s.logger.Debug().Str("job_id", job.Meta().ID).Msg("queue: scheduled job promoted")
		s.emit(ctx, domain.EventJobQueued, job, domain.JobStatusQueued, nil)
	}
	if limit <= 0 {
		return nil, nil
	}
	jobs, err := s.store.FindNextPending(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob atomically moves a pending job to processing and emits
// job_started. It reports false if another worker claimed it first.
func (s *Service) ClaimJob(ctx context.Context, id string) (domain.Job, bool, error) {
	job, ok, err := s.store.ClaimPending(ctx, id, s.clock.Now().UTC())
	if err != nil || !ok {
		return job, ok, err
	}
	domain.SetJobProgress(job, &domain.GenerationProgress{
		Percentage: 0,
		Stage:      domain.StagePreprocessing,
		StartedAt:  job.Meta().StartedAt,
	})
	s.emit(ctx, domain.EventJobStarted, job, domain.JobStatusPending, nil)
	return job, true, nil
}

// Completion carries the outcome of a successful job.
type Completion struct {
	Results []domain.GenerationResult
	// CompletedRequests and FailedRequests apply to batch jobs only.
	CompletedRequests int
	FailedRequests    int
	// Error summarises failed batch items on an otherwise completed job.
	Error *domain.GenerationError
}

// CompleteJob marks a processing job completed. It reports false when the
// job is no longer processing, for example after a stale force-fail.
func (s *Service) CompleteJob(ctx context.Context, id string, c Completion) (bool, error) {
	return s.finish(ctx, id, domain.EventJobCompleted, func(job domain.Job, now time.Time) {
		domain.SetJobResults(job, c.Results)
		if b, ok := job.(*domain.BatchJob); ok {
			b.CompletedRequests = c.CompletedRequests
			b.FailedRequests = c.FailedRequests
		}
		if c.Error != nil {
			s.recordError(job, c.Error)
		}
		domain.SetJobProgress(job, &domain.GenerationProgress{Percentage: 100, Stage: domain.StageUploading, Message: "completed"})
		domain.SetStatus(job, domain.JobStatusCompleted, now)
	})
}

// FailJob marks a processing job terminally failed.
func (s *Service) FailJob(ctx context.Context, id string, genErr *domain.GenerationError) (bool, error) {
	return s.finish(ctx, id, domain.EventJobFailed, func(job domain.Job, now time.Time) {
		s.recordError(job, genErr)
		domain.SetStatus(job, domain.JobStatusFailed, now)
	})
}

// TimeoutJob force-fails a processing job with a TIMEOUT error and emits
// job_timeout.
func (s *Service) TimeoutJob(ctx context.Context, id, reason string) (bool, error) {
	genErr := &domain.GenerationError{Code: domain.ErrCodeTimeout, Message: reason, Retryable: true}
	return s.finish(ctx, id, domain.EventJobTimeout, func(job domain.Job, now time.Time) {
		s.recordError(job, genErr)
		domain.SetStatus(job, domain.JobStatusFailed, now)
	})
}

// RetryJob puts a processing job back to pending with an incremented retry
// count, due after delay.
func (s *Service) RetryJob(ctx context.Context, id string, genErr *domain.GenerationError, delay time.Duration) (bool, error) {
	return s.finish(ctx, id, domain.EventJobRetry, func(job domain.Job, now time.Time) {
		meta := job.Meta()
		meta.RetryCount++
		retryAt := now
		e := *genErr
		e.LastRetryAt = &retryAt
		s.recordError(job, &e)
		due := now.Add(delay)
		meta.ScheduledAt = &due
		meta.StartedAt = nil
		domain.SetJobProgress(job, &domain.GenerationProgress{Stage: domain.StageQueued, Message: "retry scheduled"})
		domain.SetStatus(job, domain.JobStatusPending, now)
	})
}

// DeferJob returns a processing job to pending until the given time without
// consuming a retry.
func (s *Service) DeferJob(ctx context.Context, id string, until time.Time) (bool, error) {
	return s.finish(ctx, id, domain.EventJobQueued, func(job domain.Job, now time.Time) {
		meta := job.Meta()
		due := until.UTC()
		meta.ScheduledAt = &due
		meta.StartedAt = nil
		domain.SetJobProgress(job, &domain.GenerationProgress{Stage: domain.StageQueued, Message: "provider unavailable"})
		domain.SetStatus(job, domain.JobStatusPending, now)
	})
}

func (s *Service) recordError(job domain.Job, genErr *domain.GenerationError) {
	if genErr == nil {
		return
	}
	e := *genErr
	e.RetryCount = job.Meta().RetryCount
	domain.SetJobError(job, &e)
}

func (s *Service) finish(ctx context.Context, id string, ev domain.EventType, mutate func(domain.Job, time.Time)) (bool, error) {
	job, err := s.store.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Meta().Status != domain.JobStatusProcessing {
		return false, nil
	}
	mutate(job, s.clock.Now().UTC())
	applied, err := s.store.UpdateIfStatus(ctx, job, domain.JobStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("%s job %s: %w", ev, id, err)
	}
	if !applied {
		return false, nil
	}
	var genErr *domain.GenerationError
	switch ev {
	case domain.EventJobFailed, domain.EventJobTimeout, domain.EventJobRetry:
		genErr = domain.JobError(job)
	}
	s.emit(ctx, ev, job, domain.JobStatusProcessing, genErr)
	return true, nil
}

// ProcessStaleJobs force-fails jobs that have been processing longer than
// Config.StaleAfter and returns how many were failed.
func (s *Service) ProcessStaleJobs(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-s.cfg.StaleAfter)
	stale, err := s.store.FindStaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}
	failed := 0
	for _, job := range stale {
		id := job.Meta().ID
		ok, err := s.TimeoutJob(ctx, id, fmt.Sprintf("job exceeded %s in processing", s.cfg.StaleAfter))
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("queue: stale job update failed")
			continue
		}
		if ok {
			failed++
			s.logger.Warn().Str("job_id", id).Msg("queue: stale job force-failed")
		}
	}
	return failed, nil
}

func (s *Service) emit(ctx context.Context, ev domain.EventType, job domain.Job, prev domain.JobStatus, genErr *domain.GenerationError) {
	meta := job.Meta()
	s.bus.Emit(ctx, events.Event{
		Type:           ev,
		JobID:          meta.ID,
		UserID:         meta.UserID,
		Job:            job,
		PreviousStatus: prev,
		Status:         meta.Status,
		Progress:       domain.JobProgress(job),
		Error:          genErr,
		Results:        domain.JobResults(job),
		Timestamp:      meta.UpdatedAt,
	})
}
