package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aipjn/character-creation-platform-sub000/internal/breaker"
	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/provider"
	"github.com/aipjn/character-creation-platform-sub000/internal/queue"
)

func (w *Worker) process(ctx context.Context, job domain.Job) {
	meta := job.Meta()
	id := meta.ID
	started := w.clock.Now()

	ctx, span := w.tracer.Start(ctx, "worker.process_job", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.String("job.type", string(job.Type())),
		attribute.String("job.priority", string(meta.Priority)),
		attribute.Int("job.retry_count", meta.RetryCount),
	))
	defer span.End()

	logger := w.logger.With().Str("job_id", id).Str("job_type", string(job.Type())).Logger()
	logger.Info().Int("retry_count", meta.RetryCount).Msg("worker: picked job")

	if _, err := w.queue.UpdateJob(ctx, id, queue.JobUpdate{
		Progress: &domain.GenerationProgress{Percentage: 10, Stage: domain.StageGenerating, Message: "calling " + w.provider.Name()},
	}); err != nil {
		logger.Debug().Err(err).Msg("worker: progress update skipped")
	}

	completion, err := breaker.Do(ctx, w.breaker, func(ctx context.Context) (queue.Completion, error) {
		c, err := w.dispatch(ctx, job)
		if err == nil {
			return c, nil
		}
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, context.DeadlineExceeded):
			err = provider.NewError(domain.ErrCodeTimeout, fmt.Sprintf("job exceeded %s", w.cfg.JobTimeout))
		case errors.Is(cause, errStale), errors.Is(cause, errShutdown):
			// Cancelled by this worker, not a provider failure.
			err = cause
		}
		return c, err
	})
	took := w.clock.Since(started)
	// Outcomes are recorded even when the provider call was cancelled.
	ctx = context.WithoutCancel(ctx)

	defer func() {
		w.mu.Lock()
		delete(w.active, id)
		active := len(w.active)
		w.mu.Unlock()
		w.metrics.SetActiveJobs(active)
	}()

	if w.isForced(id) {
		w.discard(logger, err)
		return
	}

	if err == nil {
		ok, uerr := w.queue.CompleteJob(ctx, id, completion)
		switch {
		case uerr != nil:
			logger.Error().Err(uerr).Msg("worker: complete update failed")
		case !ok:
			w.discard(logger, nil)
		default:
			span.SetStatus(codes.Ok, "completed")
			w.recordFinish(job, domain.JobStatusCompleted, took)
			logger.Info().Dur("took", took).Int("results", len(completion.Results)).Msg("worker: job completed")
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	w.handleFailure(ctx, logger, job, err, took)
}

func (w *Worker) handleFailure(ctx context.Context, logger zerolog.Logger, job domain.Job, err error, took time.Duration) {
	id := job.Meta().ID

	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		ok, uerr := w.queue.DeferJob(ctx, id, openErr.NextAttemptTime)
		if uerr != nil {
			logger.Error().Err(uerr).Msg("worker: defer update failed")
			return
		}
		if ok {
			w.mu.Lock()
			w.stats.Deferred++
			w.mu.Unlock()
			w.metrics.BreakerRejected(openErr.Name)
			logger.Warn().Time("until", openErr.NextAttemptTime).Msg("worker: provider circuit open, job deferred")
		}
		return
	}

	genErr := provider.ToGenerationError(err)
	retryCount := job.Meta().RetryCount
	if IsRetryableError(err) && retryCount < w.cfg.MaxRetries {
		ok, uerr := w.queue.RetryJob(ctx, id, genErr, w.cfg.RetryDelay)
		if uerr != nil {
			logger.Error().Err(uerr).Msg("worker: retry update failed")
			return
		}
		if !ok {
			w.discard(logger, err)
			return
		}
		w.mu.Lock()
		w.stats.Retried++
		w.mu.Unlock()
		w.metrics.JobRetried(genErr.Code)
		w.clock.AfterFunc(w.cfg.RetryDelay, w.wakeUp)
		logger.Warn().Err(err).
			Int("attempt", retryCount+1).
			Int("max_retries", w.cfg.MaxRetries).
			Dur("delay", w.cfg.RetryDelay).
			Msg("worker: job failed, retry scheduled")
		return
	}

	ok, uerr := w.queue.FailJob(ctx, id, genErr)
	switch {
	case uerr != nil:
		logger.Error().Err(uerr).Msg("worker: fail update failed")
	case !ok:
		w.discard(logger, err)
	default:
		w.recordFinish(job, domain.JobStatusFailed, took)
		logger.Error().Err(err).Str("code", genErr.Code).Int("retry_count", retryCount).Msg("worker: job failed")
	}
}

func (w *Worker) isForced(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.active[id]
	return ok && a.forced
}

func (w *Worker) discard(logger zerolog.Logger, err error) {
	w.mu.Lock()
	w.stats.Discarded++
	w.mu.Unlock()
	logger.Warn().Err(err).Msg("worker: late outcome discarded, job no longer processing")
}

// recordFinish updates counters for a job that reached a terminal status.
func (w *Worker) recordFinish(job domain.Job, status domain.JobStatus, took time.Duration) {
	w.mu.Lock()
	w.stats.Processed++
	switch status {
	case domain.JobStatusCompleted:
		w.stats.Succeeded++
		w.completed++
		w.stats.AverageDuration += (took - w.stats.AverageDuration) / time.Duration(w.completed)
	case domain.JobStatusFailed:
		w.stats.Failed++
	}
	w.mu.Unlock()
	w.metrics.JobFinished(string(job.Type()), string(status), took)
}

// dispatch calls the provider operation matching the job variant.
func (w *Worker) dispatch(ctx context.Context, job domain.Job) (queue.Completion, error) {
	switch j := job.(type) {
	case *domain.CharacterJob:
		images, err := w.provider.GenerateCharacter(ctx, provider.CharacterRequest{
			CharacterID: j.CharacterID,
			Specs:       j.CharacterSpecs,
			Params:      j.GenerationParams.WithDefaults(),
			RequestID:   j.ID,
		})
		if err != nil {
			return queue.Completion{}, err
		}
		return queue.Completion{Results: w.toResults(images)}, nil
	case *domain.SingleJob:
		images, err := w.provider.Generate(ctx, singleRequest(j))
		if err != nil {
			return queue.Completion{}, err
		}
		return queue.Completion{Results: w.toResults(images)}, nil
	case *domain.BatchJob:
		return w.dispatchBatch(ctx, j)
	default:
		return queue.Completion{}, fmt.Errorf("%w: %T", domain.ErrUnknownJobType, job)
	}
}

// dispatchBatch succeeds when at least one request produced images. When all
// requests fail the first error is returned so the job is retried or failed
// as a whole.
func (w *Worker) dispatchBatch(ctx context.Context, j *domain.BatchJob) (queue.Completion, error) {
	reqs := make([]provider.SingleRequest, 0, len(j.Requests))
	for _, r := range j.Requests {
		reqs = append(reqs, singleRequest(r))
	}
	items, err := w.provider.GenerateBatch(ctx, reqs)
	if err != nil {
		return queue.Completion{}, err
	}
	var (
		out      queue.Completion
		firstErr error
	)
	for _, item := range items {
		if item.Err != nil {
			out.FailedRequests++
			if firstErr == nil {
				firstErr = item.Err
			}
			continue
		}
		out.CompletedRequests++
		out.Results = append(out.Results, w.toResults(item.Images)...)
	}
	if firstErr == nil {
		return out, nil
	}
	if out.CompletedRequests == 0 {
		return queue.Completion{}, firstErr
	}
	first := provider.ToGenerationError(firstErr)
	out.Error = &domain.GenerationError{
		Code:          first.Code,
		Message:       fmt.Sprintf("%d of %d batch requests failed", out.FailedRequests, len(items)),
		OriginalError: first.Message,
	}
	return out, nil
}

func singleRequest(j *domain.SingleJob) provider.SingleRequest {
	return provider.SingleRequest{
		Prompt:         j.Prompt,
		NegativePrompt: j.NegativePrompt,
		Params:         j.GenerationParams.WithDefaults(),
		InputImage:     j.InputImage,
		RequestID:      j.ID,
	}
}

func (w *Worker) toResults(images []provider.Image) []domain.GenerationResult {
	now := w.clock.Now().UTC()
	out := make([]domain.GenerationResult, 0, len(images))
	for _, img := range images {
		out = append(out, domain.GenerationResult{
			ID:           uuid.NewString(),
			ImageURL:     img.URL,
			ThumbnailURL: img.ThumbnailURL,
			CreatedAt:    now,
			Metadata: domain.ResultMetadata{
				Width:          img.Width,
				Height:         img.Height,
				Format:         img.Format,
				FileSize:       img.FileSize,
				GenerationTime: img.Took.Milliseconds(),
				Seed:           img.Seed,
				Model:          img.Model,
				Provider:       img.Provider,
				Cost:           img.Cost,
			},
		})
	}
	return out
}
