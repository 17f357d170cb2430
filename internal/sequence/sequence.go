// Package sequence issues human-readable, year-scoped entity ids such as
// INC-2025-00001. One counter row exists per prefix; increment and year
// rollover happen in a single upsert so concurrent callers never observe the
// same (prefix, year, sequence) triple.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// DB is the subset of pgx needed by the generator.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const nextSQL = `insert into counters (prefix, year, seq) values ($1, $2, 1)
on conflict (prefix) do update
set seq = case when counters.year = excluded.year then counters.seq + 1 else 1 end,
    year = excluded.year
returning seq, year`

// Next returns the next id for prefix, e.g. Next(ctx, db, "INC", now) ->
// "INC-2025-00042". The stored sequence resets to 1 when the year changes.
// Transient contention is retried with exponential backoff before failing.
func Next(ctx context.Context, db DB, prefix string, now time.Time) (string, error) {
	var id string
	backoff := retry.WithMaxRetries(4, retry.NewExponential(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var seq, year int
		if err := db.QueryRow(ctx, nextSQL, prefix, now.Year()).Scan(&seq, &year); err != nil {
			if transient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		id = fmt.Sprintf("%s-%d-%05d", prefix, year, seq)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("next %s id: %w", prefix, err)
	}
	return id, nil
}

// transient reports whether the error is worth retrying: serialization
// failures, deadlocks, and the unique-violation window of a concurrent
// upsert on a fresh prefix.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}
