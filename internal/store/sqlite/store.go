// Package sqlite is a single-node domain.JobStore backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	user_id TEXT,
	status TEXT NOT NULL,
	priority_rank INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER,
	scheduled_at INTEGER,
	document TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status, priority_rank DESC, created_at);
CREATE INDEX IF NOT EXISTS jobs_user_idx ON jobs (user_id, status);
`

const selectDocument = `SELECT document FROM jobs`

type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type row struct {
	id           string
	jobType      string
	userID       sql.NullString
	status       string
	priorityRank int
	createdAt    int64
	updatedAt    int64
	startedAt    sql.NullInt64
	scheduledAt  sql.NullInt64
	document     string
}

func toRow(job domain.Job) (row, error) {
	doc, err := domain.MarshalJob(job)
	if err != nil {
		return row{}, err
	}
	m := job.Meta()
	r := row{
		id:           m.ID,
		jobType:      string(job.Type()),
		userID:       sql.NullString{String: m.UserID, Valid: m.UserID != ""},
		status:       string(m.Status),
		priorityRank: m.Priority.Rank(),
		createdAt:    m.CreatedAt.UnixNano(),
		updatedAt:    m.UpdatedAt.UnixNano(),
		document:     string(doc),
	}
	if m.StartedAt != nil {
		r.startedAt = sql.NullInt64{Int64: m.StartedAt.UnixNano(), Valid: true}
	}
	if m.ScheduledAt != nil {
		r.scheduledAt = sql.NullInt64{Int64: m.ScheduledAt.UnixNano(), Valid: true}
	}
	return r, nil
}

func (s *Store) Create(ctx context.Context, job domain.Job) error {
	r, err := toRow(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, user_id, status, priority_rank, created_at, updated_at, started_at, scheduled_at, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.jobType, r.userID, r.status, r.priorityRank, r.createdAt, r.updatedAt, r.startedAt, r.scheduledAt, r.document,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("job %s: %w", r.id, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, job domain.Job) error {
	return s.update(ctx, s.db, job, "")
}

func (s *Store) UpdateIfStatus(ctx context.Context, job domain.Job, expected domain.JobStatus) (bool, error) {
	err := s.update(ctx, s.db, job, expected)
	if errors.Is(err, domain.ErrNotFound) {
		if _, findErr := s.FindByID(ctx, job.Meta().ID); findErr != nil {
			return false, findErr
		}
		return false, nil
	}
	return err == nil, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// update writes job; when expectStatus is set the row must still have it.
func (s *Store) update(ctx context.Context, db execer, job domain.Job, expectStatus domain.JobStatus) error {
	r, err := toRow(job)
	if err != nil {
		return err
	}
	query := `UPDATE jobs SET user_id = ?, status = ?, priority_rank = ?, updated_at = ?, started_at = ?, scheduled_at = ?, document = ?
		WHERE id = ?`
	args := []any{r.userID, r.status, r.priorityRank, r.updatedAt, r.startedAt, r.scheduledAt, r.document, r.id}
	if expectStatus != "" {
		query += ` AND status = ?`
		args = append(args, string(expectStatus))
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", r.id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (domain.Job, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, selectDocument+` WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return domain.UnmarshalJob([]byte(doc))
}

func (s *Store) Find(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, f.CreatedBefore.UnixNano())
	}
	if f.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, f.UpdatedBefore.UnixNano())
	}
	query := selectDocument
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *Store) FindNextPending(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, selectDocument+`
		WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY priority_rank DESC, created_at ASC, id ASC
		LIMIT ?`,
		string(domain.JobStatusPending), now.UnixNano(), limit)
}

func (s *Store) FindStaleProcessing(ctx context.Context, startedBefore time.Time) ([]domain.Job, error) {
	return s.query(ctx, selectDocument+`
		WHERE status = ? AND COALESCE(started_at, updated_at) < ?`,
		string(domain.JobStatusProcessing), startedBefore.UnixNano())
}

func (s *Store) PromoteScheduled(ctx context.Context, now time.Time) ([]domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin promote: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	due, err := queryJobs(ctx, tx, selectDocument+` WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?`,
		string(domain.JobStatusQueued), now.UnixNano())
	if err != nil {
		return nil, err
	}
	for _, job := range due {
		domain.SetStatus(job, domain.JobStatusPending, now)
		if err := s.update(ctx, tx, job, domain.JobStatusQueued); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit promote: %w", err)
	}
	return due, nil
}

func (s *Store) ClaimPending(ctx context.Context, id string, now time.Time) (domain.Job, bool, error) {
	job, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.Meta().Status != domain.JobStatusPending {
		return job, false, nil
	}
	domain.SetStatus(job, domain.JobStatusProcessing, now)
	started := now
	job.Meta().StartedAt = &started
	if err := s.update(ctx, s.db, job, domain.JobStatusPending); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return job, true, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	return queryJobs(ctx, s.db, query, args...)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryJobs(ctx context.Context, q querier, query string, args ...any) ([]domain.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job, err := domain.UnmarshalJob([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
