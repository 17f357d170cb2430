package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestPublishEvent(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "entity_events")
	defer sub.Close()
	ch := sub.Channel()

	ev := Event{Entity: "incident", Type: "incident_created", Data: map[string]string{"id": "1"}}
	PublishEvent(ctx, rdb, ev)

	msg := <-ch
	var got Event
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != ev.Type || got.Entity != ev.Entity {
		t.Fatalf("want %s/%s got %s/%s", ev.Entity, ev.Type, got.Entity, got.Type)
	}
}

func TestPublishEventNilClient(t *testing.T) {
	// Must not panic without Redis.
	PublishEvent(context.Background(), nil, Event{Type: "incident_created"})
}

func TestHubBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)

	c := &Client{hub: h, send: make(chan Event, 8)}
	h.Register(c)

	h.Broadcast(Event{Entity: "change", Type: "change_created"})

	select {
	case ev := <-c.send:
		if ev.Type != "change_created" {
			t.Fatalf("unexpected event %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
