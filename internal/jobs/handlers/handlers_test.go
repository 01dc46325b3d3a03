package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jankosk/norish-sub000/internal/jobs/queue"
	"github.com/jankosk/norish-sub000/internal/realtime/channel"
	"github.com/jankosk/norish-sub000/internal/realtime/emitter"
	"github.com/jankosk/norish-sub000/internal/realtime/filter"
)

func newTestEmitter(t *testing.T) *emitter.Emitter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return emitter.New(client, "norish", emitter.Options{})
}

func TestImportHandlerAnnouncesOutcome(t *testing.T) {
	em := newTestEmitter(t)
	r := New(em, nil)

	ch := channel.Name("norish", "recipes", channel.ScopeHousehold, "h1", "imported")
	sub, err := em.SubscribeDirect(context.Background(), ch, filter.Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	body, _ := json.Marshal(map[string]any{"userId": "u1", "householdId": "h1", "params": map[string]string{"url": "https://example.com/r"}})
	h := r.Handler("imports")
	if err := h(context.Background(), &queue.Job{ID: "job-1", Queue: "imports", Payload: body}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	data := env.Data.(map[string]any)
	if data["jobId"] != "job-1" || data["queue"] != "imports" {
		t.Fatalf("outcome data: %+v", data)
	}
}

func TestHandlerRejectsBadPayload(t *testing.T) {
	r := New(newTestEmitter(t), nil)
	h := r.Handler("enrichment")
	if err := h(context.Background(), &queue.Job{ID: "x", Payload: []byte("{")}); err == nil {
		t.Fatal("bad payload accepted")
	}
	if err := h(context.Background(), &queue.Job{ID: "x", Payload: []byte(`{"params":{}}`)}); err == nil {
		t.Fatal("payload without user accepted")
	}
}

func TestUnknownQueueHandlerFails(t *testing.T) {
	r := New(newTestEmitter(t), nil)
	h := r.Handler("mystery")
	if err := h(context.Background(), &queue.Job{ID: "x", Payload: []byte(`{"userId":"u1"}`)}); err == nil {
		t.Fatal("unknown queue handler succeeded")
	}
}

func TestOnFailureNotifiesOwner(t *testing.T) {
	em := newTestEmitter(t)
	r := New(em, nil)

	ch := channel.Name("norish", "jobs", channel.ScopeUser, "u1", "failed")
	sub, err := em.SubscribeDirect(context.Background(), ch, filter.Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	cb := r.OnFailure("imports")
	cb(&queue.Job{ID: "job-9", Queue: "imports", Payload: []byte(`{"userId":"u1"}`)}, errors.New("fetch failed"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	data := env.Data.(map[string]any)
	if data["jobId"] != "job-9" || data["error"] != "fetch failed" {
		t.Fatalf("failure data: %+v", data)
	}
}
