// Package memory is an in-process domain.JobStore.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// Store keeps encoded job documents in a map so callers never share pointers
// with the stored state.
type Store struct {
	mu   sync.RWMutex
	jobs map[string][]byte
}

func New() *Store {
	return &Store{jobs: make(map[string][]byte)}
}

func (s *Store) Create(_ context.Context, job domain.Job) error {
	data, err := domain.MarshalJob(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := job.Meta().ID
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("job %s: %w", id, domain.ErrAlreadyExists)
	}
	s.jobs[id] = data
	return nil
}

func (s *Store) Update(_ context.Context, job domain.Job) error {
	data, err := domain.MarshalJob(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := job.Meta().ID
	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	s.jobs[id] = data
	return nil
}

func (s *Store) UpdateIfStatus(_ context.Context, job domain.Job, expected domain.JobStatus) (bool, error) {
	data, err := domain.MarshalJob(job)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := job.Meta().ID
	current, exists := s.jobs[id]
	if !exists {
		return false, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	stored, err := domain.UnmarshalJob(current)
	if err != nil {
		return false, err
	}
	if stored.Meta().Status != expected {
		return false, nil
	}
	s.jobs[id] = data
	return true, nil
}

func (s *Store) FindByID(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	data, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return domain.UnmarshalJob(data)
}

func (s *Store) Find(_ context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	all, err := s.decodeAll(func(j domain.Job) bool { return matches(j, filter) })
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Meta().CreatedAt.After(all[j].Meta().CreatedAt)
	})
	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (s *Store) FindNextPending(_ context.Context, now time.Time, limit int) ([]domain.Job, error) {
	due, err := s.decodeAll(func(j domain.Job) bool {
		m := j.Meta()
		return m.Status == domain.JobStatusPending && (m.ScheduledAt == nil || !m.ScheduledAt.After(now))
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return domain.LessForDequeue(due[i], due[j]) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) FindStaleProcessing(_ context.Context, startedBefore time.Time) ([]domain.Job, error) {
	return s.decodeAll(func(j domain.Job) bool {
		m := j.Meta()
		if m.Status != domain.JobStatusProcessing {
			return false
		}
		started := m.UpdatedAt
		if m.StartedAt != nil {
			started = *m.StartedAt
		}
		return started.Before(startedBefore)
	})
}

func (s *Store) PromoteScheduled(_ context.Context, now time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var promoted []domain.Job
	for id, data := range s.jobs {
		job, err := domain.UnmarshalJob(data)
		if err != nil {
			return promoted, err
		}
		m := job.Meta()
		if m.Status != domain.JobStatusQueued || m.ScheduledAt == nil || m.ScheduledAt.After(now) {
			continue
		}
		domain.SetStatus(job, domain.JobStatusPending, now)
		encoded, err := domain.MarshalJob(job)
		if err != nil {
			return promoted, err
		}
		s.jobs[id] = encoded
		promoted = append(promoted, job)
	}
	return promoted, nil
}

func (s *Store) ClaimPending(_ context.Context, id string, now time.Time) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.jobs[id]
	if !ok {
		return nil, false, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	job, err := domain.UnmarshalJob(data)
	if err != nil {
		return nil, false, err
	}
	if job.Meta().Status != domain.JobStatusPending {
		return job, false, nil
	}
	domain.SetStatus(job, domain.JobStatusProcessing, now)
	started := now
	job.Meta().StartedAt = &started
	encoded, err := domain.MarshalJob(job)
	if err != nil {
		return nil, false, err
	}
	s.jobs[id] = encoded
	return job, true, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[domain.JobStatus]int, error) {
	all, err := s.decodeAll(func(domain.Job) bool { return true })
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.JobStatus]int)
	for _, j := range all {
		counts[j.Meta().Status]++
	}
	return counts, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) decodeAll(keep func(domain.Job) bool) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, data := range s.jobs {
		job, err := domain.UnmarshalJob(data)
		if err != nil {
			return nil, err
		}
		if keep(job) {
			out = append(out, job)
		}
	}
	return out, nil
}

func matches(job domain.Job, f domain.JobFilter) bool {
	m := job.Meta()
	if f.UserID != "" && m.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, m.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, job.Type()) {
		return false
	}
	if f.CreatedBefore != nil && !m.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.UpdatedBefore != nil && !m.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}

func containsStatus(list []domain.JobStatus, s domain.JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(list []domain.JobType, t domain.JobType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}
