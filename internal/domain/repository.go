package domain

import (
	"context"
	"time"
)

// JobFilter narrows Find queries. Zero values do not filter.
type JobFilter struct {
	UserID        string
	Statuses      []JobStatus
	Types         []JobType
	CreatedBefore *time.Time
	UpdatedBefore *time.Time
	Limit         int
}

// JobStore is the durable system of record for jobs.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Update(ctx context.Context, job Job) error
	// UpdateIfStatus writes job only while the stored status still equals
	// expected. It reports false when another writer got there first.
	UpdateIfStatus(ctx context.Context, job Job, expected JobStatus) (bool, error)
	FindByID(ctx context.Context, id string) (Job, error)
	Find(ctx context.Context, filter JobFilter) ([]Job, error)
	// FindNextPending returns pending jobs that are due at now, ordered by
	// priority (urgent first) and then by creation time.
	FindNextPending(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// FindStaleProcessing returns processing jobs started before the cutoff.
	FindStaleProcessing(ctx context.Context, startedBefore time.Time) ([]Job, error)
	// PromoteScheduled moves queued jobs whose scheduledAt has elapsed to pending.
	PromoteScheduled(ctx context.Context, now time.Time) ([]Job, error)
	// ClaimPending atomically moves a pending job to processing. It reports
	// false when the job was no longer pending.
	ClaimPending(ctx context.Context, id string, now time.Time) (Job, bool, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
	Ping(ctx context.Context) error
}

// LessForDequeue orders jobs by priority rank desc, then CreatedAt asc.
func LessForDequeue(a, b Job) bool {
	ma, mb := a.Meta(), b.Meta()
	if ra, rb := ma.Priority.Rank(), mb.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !ma.CreatedAt.Equal(mb.CreatedAt) {
		return ma.CreatedAt.Before(mb.CreatedAt)
	}
	return ma.ID < mb.ID
}
