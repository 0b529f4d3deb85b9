package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type fakeDB struct {
	stmts   []string
	execErr error
	rowErr  error
}

func (f *fakeDB) Exec(_ context.Context, query string, _ ...any) (pgconn.CommandTag, error) {
	f.stmts = append(f.stmts, query)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("UPDATE 2"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, query string, _ ...any) pgx.Row {
	f.stmts = append(f.stmts, query)
	return errorRow{err: f.rowErr}
}

func (f *fakeDB) Query(_ context.Context, query string, _ ...any) (pgx.Rows, error) {
	f.stmts = append(f.stmts, query)
	return nil, errors.New("query not supported")
}

const markedUpdate = "--sql 28d7ab8b-7e95-4820-9c28-a37af07c90c7\nupdate jobs set status = 'failed';\n"

func TestExtractMarker(t *testing.T) {
	query := "--sql 28d7ab8b-7e95-4820-9c28-a37af07c90c7\nselect 1;\n"
	marker, trimmed, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extractMarker returned error: %v", err)
	}
	if marker != "28d7ab8b-7e95-4820-9c28-a37af07c90c7" {
		t.Fatalf("marker mismatch: got %q", marker)
	}
	if trimmed != "select 1;" {
		t.Fatalf("trimmed query mismatch: got %q", trimmed)
	}

	for _, bad := range []string{"", "select 1;", "--sql not-a-uuid\nselect 1;"} {
		if _, _, err := extractMarker(bad); !errors.Is(err, ErrMissingMarker) {
			t.Fatalf("expected ErrMissingMarker for %q, got %v", bad, err)
		}
	}
}

func TestSQLRunnerStripsMarker(t *testing.T) {
	db := &fakeDB{}
	r := newSQLRunner(db, zerolog.Nop())

	tag, err := r.Exec(context.Background(), markedUpdate)
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	if tag.RowsAffected() != 2 {
		t.Fatalf("RowsAffected mismatch: got %d", tag.RowsAffected())
	}
	if len(db.stmts) != 1 || db.stmts[0] != "update jobs set status = 'failed';" {
		t.Fatalf("statement mismatch: %#v", db.stmts)
	}
}

func TestSQLRunnerRejectsUnmarkedSQL(t *testing.T) {
	db := &fakeDB{}
	r := newSQLRunner(db, zerolog.Nop())
	ctx := context.Background()

	if _, err := r.Exec(ctx, "delete from jobs;"); !errors.Is(err, ErrMissingMarker) {
		t.Fatalf("Exec: expected ErrMissingMarker, got %v", err)
	}
	var one int
	if err := r.QueryRow(ctx, "select 1;").Scan(&one); !errors.Is(err, ErrMissingMarker) {
		t.Fatalf("QueryRow: expected ErrMissingMarker, got %v", err)
	}
	if _, err := r.Query(ctx, "select 1;"); !errors.Is(err, ErrMissingMarker) {
		t.Fatalf("Query: expected ErrMissingMarker, got %v", err)
	}
	if len(db.stmts) != 0 {
		t.Fatalf("unmarked SQL reached the database: %#v", db.stmts)
	}
}

func TestSQLRunnerLogLevels(t *testing.T) {
	var buf bytes.Buffer
	db := &fakeDB{rowErr: pgx.ErrNoRows}
	r := newSQLRunner(db, zerolog.New(&buf))
	ctx := context.Background()

	var doc []byte
	if err := r.QueryRow(ctx, markedUpdate).Scan(&doc); !IsNoRows(err) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
	if strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("ErrNoRows should not be logged as an error: %s", buf.String())
	}

	buf.Reset()
	db.execErr = errors.New("connection refused")
	if _, err := r.Exec(ctx, markedUpdate); err == nil {
		t.Fatalf("expected exec error")
	}
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), "28d7ab8b-7e95-4820-9c28-a37af07c90c7") {
		t.Fatalf("exec failure should be logged at error with its marker: %s", buf.String())
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("find job: %w", pgx.ErrNoRows)) {
		t.Fatalf("wrapped ErrNoRows should be detected")
	}
	if IsNoRows(errors.New("boom")) {
		t.Fatalf("unrelated error should not match")
	}
}
