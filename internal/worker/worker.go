// Package worker polls the queue and runs generation jobs against the
// provider, bounded by a concurrency limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aipjn/character-creation-platform-sub000/internal/breaker"
	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/metrics"
	"github.com/aipjn/character-creation-platform-sub000/internal/provider"
	"github.com/aipjn/character-creation-platform-sub000/internal/queue"
)

const tracerName = "github.com/aipjn/character-creation-platform-sub000/internal/worker"

// ProviderBreaker is the registry name of the breaker guarding provider calls.
const ProviderBreaker = "provider"

type Config struct {
	Concurrency         int
	MaxRetries          int
	RetryDelay          time.Duration
	JobTimeout          time.Duration
	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	StaleJobThreshold   time.Duration
	ShutdownTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:         4,
		MaxRetries:          3,
		RetryDelay:          5 * time.Second,
		JobTimeout:          5 * time.Minute,
		PollInterval:        5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		StaleJobThreshold:   5 * time.Minute,
		ShutdownTimeout:     30 * time.Second,
	}
}

// Options wires a Worker. Queue and Provider are required.
type Options struct {
	Queue    *queue.Service
	Provider provider.Provider
	Breakers *breaker.Registry
	Clock    clockwork.Clock
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Config   Config
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Processed       int           `json:"processed"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Retried         int           `json:"retried"`
	Deferred        int           `json:"deferred"`
	Discarded       int           `json:"discarded"`
	Active          int           `json:"active"`
	AverageDuration time.Duration `json:"averageDurationNs"`
	Stopping        bool          `json:"stopping"`
}

type activeJob struct {
	job     domain.Job
	started time.Time
	cancel  context.CancelCauseFunc
	forced  bool
}

// Worker is the Queue Worker.
type Worker struct {
	queue    *queue.Service
	provider provider.Provider
	breaker  *breaker.Breaker
	clock    clockwork.Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	cfg      Config

	wake chan struct{}
	wg   sync.WaitGroup

	mu        sync.Mutex
	active    map[string]*activeJob
	stopping  bool
	stats     Stats
	completed int
}

func New(opts Options) *Worker {
	def := DefaultConfig()
	cfg := opts.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.StaleJobThreshold <= 0 {
		cfg.StaleJobThreshold = def.StaleJobThreshold
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig(), clock, opts.Logger)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Worker{
		queue:    opts.Queue,
		provider: opts.Provider,
		breaker:  breakers.Get(ProviderBreaker),
		clock:    clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		active:   make(map[string]*activeJob),
	}
}

// Run polls until ctx is cancelled and then shuts down gracefully.
func (w *Worker) Run(ctx context.Context) error {
	poll := w.clock.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	health := w.clock.NewTicker(w.cfg.HealthCheckInterval)
	defer health.Stop()

	w.logger.Info().
		Int("concurrency", w.cfg.Concurrency).
		Dur("poll_interval", w.cfg.PollInterval).
		Str("provider", w.provider.Name()).
		Msg("worker: started")

	w.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return w.Shutdown(context.WithoutCancel(ctx))
		case <-poll.Chan():
			w.Poll(ctx)
		case <-w.wake:
			w.Poll(ctx)
		case <-health.Chan():
			w.CheckStaleJobs(ctx)
		}
	}
}

// Poll fills free slots with the next pending jobs and starts them without
// waiting for them to finish. It returns the number of jobs started.
func (w *Worker) Poll(ctx context.Context) int {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return 0
	}
	slots := w.cfg.Concurrency - len(w.active)
	w.mu.Unlock()

	jobs, err := w.queue.GetNextJobs(ctx, slots)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: poll failed")
		return 0
	}
	started := 0
	for _, next := range jobs {
		id := next.Meta().ID
		job, ok, err := w.queue.ClaimJob(ctx, id)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", id).Msg("worker: claim failed")
			continue
		}
		if !ok {
			w.logger.Debug().Str("job_id", id).Msg("worker: job claimed elsewhere")
			continue
		}
		w.start(ctx, job)
		started++
	}
	return started
}

func (w *Worker) start(ctx context.Context, job domain.Job) {
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	timeout := w.clock.AfterFunc(w.cfg.JobTimeout, func() { cancel(context.DeadlineExceeded) })

	id := job.Meta().ID
	w.mu.Lock()
	w.active[id] = &activeJob{job: job, started: w.clock.Now(), cancel: cancel}
	active := len(w.active)
	w.mu.Unlock()
	w.metrics.SetActiveJobs(active)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer timeout.Stop()
		defer cancel(nil)
		w.process(jobCtx, job)
	}()
}

// Wait blocks until every started job has returned.
func (w *Worker) Wait() { w.wg.Wait() }

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Active = len(w.active)
	s.Stopping = w.stopping
	return s
}

// ActiveJobs returns the ids of jobs currently running in this worker.
func (w *Worker) ActiveJobs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	return ids
}

// CheckStaleJobs force-fails jobs that have been running in this worker for
// longer than StaleJobThreshold and cancels their provider calls. Any late
// outcome of such a job is discarded.
func (w *Worker) CheckStaleJobs(ctx context.Context) int {
	now := w.clock.Now()
	var stale []*activeJob
	w.mu.Lock()
	for _, a := range w.active {
		if !a.forced && now.Sub(a.started) > w.cfg.StaleJobThreshold {
			a.forced = true
			stale = append(stale, a)
		}
	}
	w.mu.Unlock()

	failed := 0
	for _, a := range stale {
		id := a.job.Meta().ID
		ran := now.Sub(a.started)
		ok, err := w.queue.TimeoutJob(ctx, id, fmt.Sprintf("job ran for %s, limit is %s", ran.Round(time.Second), w.cfg.StaleJobThreshold))
		a.cancel(errStale)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", id).Msg("worker: stale job update failed")
			continue
		}
		if ok {
			failed++
			w.recordFinish(a.job, domain.JobStatusFailed, ran)
			w.logger.Warn().Str("job_id", id).Dur("ran", ran).Msg("worker: stale job force-failed")
		}
	}
	return failed
}

var (
	errStale    = errors.New("worker: job force-failed as stale")
	errShutdown = errors.New("worker: shutdown timeout")
)

// Shutdown stops polling, waits up to ShutdownTimeout for running jobs and
// force-fails whatever is still running afterwards.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
	w.logger.Info().Int("active", len(w.ActiveJobs())).Msg("worker: shutting down")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info().Msg("worker: stopped")
		return nil
	case <-w.clock.After(w.cfg.ShutdownTimeout):
	case <-ctx.Done():
	}

	w.mu.Lock()
	var remaining []*activeJob
	for _, a := range w.active {
		if !a.forced {
			a.forced = true
			remaining = append(remaining, a)
		}
	}
	w.mu.Unlock()

	for _, a := range remaining {
		id := a.job.Meta().ID
		genErr := &domain.GenerationError{
			Code:      domain.ErrCodeShutdownTimeout,
			Message:   "worker shut down before the job finished",
			Retryable: true,
		}
		if _, err := w.queue.FailJob(ctx, id, genErr); err != nil {
			w.logger.Error().Err(err).Str("job_id", id).Msg("worker: shutdown fail update failed")
		}
		a.cancel(errShutdown)
	}
	w.logger.Warn().Int("forced", len(remaining)).Msg("worker: stopped with jobs still running")
	return nil
}

// IsRetryableError reports whether err names a transient provider failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, breaker.ErrOpen) {
		return false
	}
	genErr := provider.ToGenerationError(err)
	return provider.RetryableCode(genErr.Code)
}

func (w *Worker) wakeUp() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
