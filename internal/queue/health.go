package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// Metrics aggregates job counts by status.
type Metrics struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	// Capacity is how many more jobs admission would currently accept.
	Capacity  int       `json:"capacity"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is the queue health report.
type Health struct {
	Status          string   `json:"status"`
	Issues          []string `json:"issues,omitempty"`
	StaleProcessing int      `json:"staleProcessing"`
	Metrics         Metrics  `json:"metrics"`
}

const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

func (s *Service) GetMetrics(ctx context.Context) (Metrics, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("count jobs: %w", err)
	}
	m := Metrics{
		Pending:    counts[domain.JobStatusPending],
		Queued:     counts[domain.JobStatusQueued],
		Processing: counts[domain.JobStatusProcessing],
		Completed:  counts[domain.JobStatusCompleted],
		Failed:     counts[domain.JobStatusFailed],
		Cancelled:  counts[domain.JobStatusCancelled],
		Timestamp:  s.clock.Now().UTC(),
	}
	for _, n := range counts {
		m.Total += n
	}
	if free := s.cfg.MaxQueueSize - m.Pending - m.Queued; free > 0 {
		m.Capacity = free
	}

	depth := make(map[string]int, len(counts))
	for status, n := range counts {
		depth[string(status)] = n
	}
	s.metrics.SetQueueDepth(depth)
	return m, nil
}

// GetHealthStatus is unhealthy when any job has been processing longer than
// Config.StaleAfter or when the failed count reaches Config.UnhealthyFailedCount.
func (s *Service) GetHealthStatus(ctx context.Context) (Health, error) {
	m, err := s.GetMetrics(ctx)
	if err != nil {
		return Health{Status: HealthUnhealthy, Issues: []string{err.Error()}}, err
	}
	stale, err := s.store.FindStaleProcessing(ctx, s.clock.Now().UTC().Add(-s.cfg.StaleAfter))
	if err != nil {
		return Health{Status: HealthUnhealthy, Issues: []string{err.Error()}, Metrics: m}, err
	}
	h := Health{Status: HealthHealthy, StaleProcessing: len(stale), Metrics: m}
	if len(stale) > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d jobs processing longer than %s", len(stale), s.cfg.StaleAfter))
	}
	if m.Failed >= s.cfg.UnhealthyFailedCount {
		h.Issues = append(h.Issues, fmt.Sprintf("%d failed jobs", m.Failed))
	}
	if len(h.Issues) > 0 {
		h.Status = HealthUnhealthy
	}
	return h, nil
}
