package events

import (
	"context"
	"encoding/json"

	apppkg "github.com/opsdesk/servicedesk-go/cmd/api/app"
	"github.com/opsdesk/servicedesk-go/cmd/api/ws"
)

// Emit records an entity event for the live feeds and mirrors it to the
// WebSocket channel when Redis is configured. Best effort; errors are ignored.
func Emit(ctx context.Context, a *apppkg.App, entityType, entityID, typ string, data interface{}) {
	if a == nil || a.DB == nil {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	const q = `insert into entity_events (entity_type, entity_id, event_type, payload) values ($1, $2, $3, $4)`
	_, _ = a.DB.Exec(ctx, q, entityType, entityID, typ, b)
	ws.PublishEvent(ctx, a.Q, ws.Event{Entity: entityType, Type: typ, Data: data})
}
