package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// counterDB simulates the upsert semantics of the counters table.
type counterDB struct {
	seq      int
	year     int
	failures []error // errors returned before succeeding, in order
	calls    int
}

type counterRow struct {
	db   *counterDB
	year int
}

func (r *counterRow) Scan(dest ...any) error {
	if len(r.db.failures) > 0 {
		err := r.db.failures[0]
		r.db.failures = r.db.failures[1:]
		return err
	}
	if r.db.year != r.year {
		r.db.year = r.year
		r.db.seq = 1
	} else {
		r.db.seq++
	}
	*(dest[0].(*int)) = r.db.seq
	*(dest[1].(*int)) = r.db.year
	return nil
}

func (db *counterDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	db.calls++
	return &counterRow{db: db, year: args[1].(int)}
}

func TestNextFormatsAndIncrements(t *testing.T) {
	db := &counterDB{year: 2025}
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	seen := map[string]bool{}
	for i := 1; i <= 3; i++ {
		id, err := Next(context.Background(), db, "INC", now)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if !seen["INC-2025-00001"] || !seen["INC-2025-00002"] || !seen["INC-2025-00003"] {
		t.Fatalf("unexpected ids: %v", seen)
	}
}

func TestNextYearRollover(t *testing.T) {
	db := &counterDB{year: 2025, seq: 417}
	id, err := Next(context.Background(), db, "CHG", time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if id != "CHG-2026-00001" {
		t.Fatalf("id %s, want CHG-2026-00001", id)
	}
}

func TestNextRetriesTransientErrors(t *testing.T) {
	db := &counterDB{
		year: 2025,
		failures: []error{
			&pgconn.PgError{Code: "40001"},
			&pgconn.PgError{Code: "23505"},
		},
	}
	id, err := Next(context.Background(), db, "PRB", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if id != "PRB-2025-00001" {
		t.Fatalf("id %s, want PRB-2025-00001", id)
	}
	if db.calls != 3 {
		t.Fatalf("calls %d, want 3", db.calls)
	}
}

func TestNextGivesUpOnPermanentError(t *testing.T) {
	db := &counterDB{year: 2025, failures: []error{errors.New("connection closed")}}
	if _, err := Next(context.Background(), db, "INC", time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNextBoundedRetries(t *testing.T) {
	fails := make([]error, 10)
	for i := range fails {
		fails[i] = &pgconn.PgError{Code: "40P01"}
	}
	db := &counterDB{year: 2025, failures: fails}
	if _, err := Next(context.Background(), db, "INC", time.Now()); err == nil {
		t.Fatal("expected exhausted retries to fail")
	}
	if db.calls != 5 {
		t.Fatalf("calls %d, want 5 (1 + 4 retries)", db.calls)
	}
}
