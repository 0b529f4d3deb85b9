// Package postgres is the pgx-backed domain.JobStore.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
	"github.com/aipjn/character-creation-platform-sub000/internal/infra"
	"github.com/aipjn/character-creation-platform-sub000/internal/sqlinline"
)

// Schema creates the jobs table and its indexes. It is idempotent.
//
//go:embed schema.sql
var Schema string

// Store implements domain.JobStore on top of infra.SQLExecutor.
type Store struct {
	sql infra.SQLExecutor
}

func New(executor infra.SQLExecutor) *Store {
	return &Store{sql: executor}
}

func (s *Store) Create(ctx context.Context, job domain.Job) error {
	doc, err := domain.MarshalJob(job)
	if err != nil {
		return err
	}
	m := job.Meta()
	tag, err := s.sql.Exec(ctx, sqlinline.QJobInsert,
		m.ID, string(job.Type()), nullable(m.UserID), string(m.Status), m.Priority.Rank(),
		m.CreatedAt, m.UpdatedAt, m.StartedAt, m.ScheduledAt, doc,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, job domain.Job) error {
	doc, err := domain.MarshalJob(job)
	if err != nil {
		return err
	}
	m := job.Meta()
	tag, err := s.sql.Exec(ctx, sqlinline.QJobUpdate,
		m.ID, nullable(m.UserID), string(m.Status), m.Priority.Rank(),
		m.UpdatedAt, m.StartedAt, m.ScheduledAt, doc,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateIfStatus(ctx context.Context, job domain.Job, expected domain.JobStatus) (bool, error) {
	doc, err := domain.MarshalJob(job)
	if err != nil {
		return false, err
	}
	m := job.Meta()
	tag, err := s.sql.Exec(ctx, sqlinline.QJobUpdateIfStatus,
		m.ID, nullable(m.UserID), string(m.Status), m.Priority.Rank(),
		m.UpdatedAt, m.StartedAt, m.ScheduledAt, doc, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.FindByID(ctx, m.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (domain.Job, error) {
	var doc []byte
	if err := s.sql.QueryRow(ctx, sqlinline.QJobSelectByID, id).Scan(&doc); err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return domain.UnmarshalJob(doc)
}

func (s *Store) Find(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = any("+arg(statuses)+")")
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		where = append(where, "type = any("+arg(types)+")")
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*f.CreatedBefore))
	}
	if f.UpdatedBefore != nil {
		where = append(where, "updated_at < "+arg(*f.UpdatedBefore))
	}
	query := sqlinline.QJobFindBase
	if len(where) > 0 {
		query += "\nwhere " + strings.Join(where, " and ")
	}
	query += "\norder by created_at desc"
	if f.Limit > 0 {
		query += "\nlimit " + arg(f.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *Store) FindNextPending(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.query(ctx, sqlinline.QJobNextPending, now, lim)
}

func (s *Store) FindStaleProcessing(ctx context.Context, startedBefore time.Time) ([]domain.Job, error) {
	return s.query(ctx, sqlinline.QJobStaleProcessing, startedBefore)
}

func (s *Store) PromoteScheduled(ctx context.Context, now time.Time) ([]domain.Job, error) {
	return s.query(ctx, sqlinline.QJobPromoteScheduled, now, jsonTime(now))
}

func (s *Store) ClaimPending(ctx context.Context, id string, now time.Time) (domain.Job, bool, error) {
	var doc []byte
	err := s.sql.QueryRow(ctx, sqlinline.QJobClaimPending, id, now, jsonTime(now)).Scan(&doc)
	if infra.IsNoRows(err) {
		current, findErr := s.FindByID(ctx, id)
		if findErr != nil {
			return nil, false, findErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	job, err := domain.UnmarshalJob(doc)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QJobCountByStatus)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.JobStatus(status)] = int(n)
	}
	return counts, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.sql.QueryRow(ctx, sqlinline.QJobPing).Scan(&one)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.sql.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job, err := domain.UnmarshalJob(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jsonTime renders t the way encoding/json renders time.Time.
func jsonTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
