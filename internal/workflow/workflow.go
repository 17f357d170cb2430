package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgx the workflow services use. Kept minimal so tests
// can substitute fakes.
type DB interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TimelineEntry is one append-only audit record on an entity.
type TimelineEntry struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Actor   string          `json:"actor"`
	At      time.Time       `json:"at"`
	Details json.RawMessage `json:"details,omitempty"`
}

// appendTimeline records an audit entry. Best effort: a failed insert never
// fails the operation that produced it.
func appendTimeline(ctx context.Context, db DB, entity, entityID, event, actor string, details interface{}) {
	if db == nil {
		return
	}
	var payload []byte
	if details != nil {
		payload, _ = json.Marshal(details)
	}
	const q = `insert into timeline_events (entity_type, entity_id, event, actor, details) values ($1,$2,$3,$4,$5)`
	_, _ = db.Exec(ctx, q, entity, entityID, event, actor, payload)
}

// Timeline returns an entity's audit trail, oldest first.
func Timeline(ctx context.Context, db DB, entity, entityID string) ([]TimelineEntry, error) {
	rows, err := db.Query(ctx, `select id::text, event, actor, created_at, coalesce(details, 'null'::jsonb)
from timeline_events where entity_type=$1 and entity_id=$2 order by created_at asc, id asc`, entity, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []TimelineEntry{}
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(&e.ID, &e.Event, &e.Actor, &e.At, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
