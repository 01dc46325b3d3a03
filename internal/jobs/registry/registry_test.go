package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jankosk/norish-sub000/internal/jobs/queue"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAccessBeforeInitialize(t *testing.T) {
	r := New(newTestRedis(t), "norish", Options{})
	if _, err := r.Get("imports"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("get: %v", err)
	}
	if _, err := r.All(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("all: %v", err)
	}
}

func TestInitializeCreatesDefaultQueues(t *testing.T) {
	r := New(newTestRedis(t), "norish", Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for _, name := range DefaultQueues {
		q, err := r.Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if q.Name() != name {
			t.Fatalf("queue name: %q", q.Name())
		}
	}
	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("unknown queue: %v", err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	r := New(newTestRedis(t), "norish", Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("first: %v", err)
	}
	q1, _ := r.Get("imports")
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("second: %v", err)
	}
	q2, _ := r.Get("imports")
	if q1 != q2 {
		t.Fatal("reinitialization replaced queues")
	}
}

func TestCloseAllMarksQueuesClosed(t *testing.T) {
	r := New(newTestRedis(t), "norish", Options{})
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	r.CloseAll()
	q, _ := r.Get("imports")
	res, err := q.Enqueue(context.Background(), "a", nil)
	if err != nil || res != queue.Skipped {
		t.Fatalf("enqueue after close: %v %v", res, err)
	}
}
