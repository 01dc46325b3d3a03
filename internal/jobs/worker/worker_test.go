package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	"github.com/jankosk/norish-sub000/internal/jobs/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)
}

func newTestQueue(t *testing.T, opts queue.Options) *queue.Queue {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, "norish", "imports", opts)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerProcessesJobs(t *testing.T) {
	q := newTestQueue(t, queue.Options{})
	var done atomic.Int32
	w := New(q, func(ctx context.Context, job *queue.Job) error {
		done.Add(1)
		return nil
	}, Options{Concurrency: 2, PollInterval: 100 * time.Millisecond})
	defer w.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := q.Enqueue(context.Background(), id, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, func() bool { return done.Load() == 4 }, "jobs not processed")
}

func TestPausedWorkerTakesNoJobs(t *testing.T) {
	q := newTestQueue(t, queue.Options{})
	var done atomic.Int32
	w := New(q, func(ctx context.Context, job *queue.Job) error {
		done.Add(1)
		return nil
	}, Options{PollInterval: 50 * time.Millisecond})
	defer w.Close()

	if err := w.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// The blocking pop window is a full second; the pause must abort the
	// in-flight pop or the job below would be picked up inside it.
	if _, err := q.Enqueue(context.Background(), "a", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if done.Load() != 0 {
		t.Fatal("paused worker processed a job")
	}

	if err := w.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, func() bool { return done.Load() == 1 }, "resumed worker did not process")
}

func TestPauseLetsInFlightJobFinish(t *testing.T) {
	q := newTestQueue(t, queue.Options{})
	started := make(chan struct{})
	release := make(chan struct{})
	var done atomic.Int32
	w := New(q, func(ctx context.Context, job *queue.Job) error {
		close(started)
		<-release
		done.Add(1)
		return nil
	}, Options{PollInterval: 50 * time.Millisecond})
	defer w.Close()

	if _, err := q.Enqueue(context.Background(), "a", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started
	if err := w.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	close(release)
	waitFor(t, func() bool { return done.Load() == 1 }, "in-flight job was cut off")
}

func TestFailureCallbackFiresOnLastAttempt(t *testing.T) {
	q := newTestQueue(t, queue.Options{MaxAttempts: 2, BackoffBase: 10 * time.Millisecond})
	var mu sync.Mutex
	var dropped []string
	w := New(q, func(ctx context.Context, job *queue.Job) error {
		return errors.New("always fails")
	}, Options{
		PollInterval: 50 * time.Millisecond,
		OnFailure: func(job *queue.Job, err error) {
			mu.Lock()
			dropped = append(dropped, job.ID)
			mu.Unlock()
		},
	})
	defer w.Close()

	if _, err := q.Enqueue(context.Background(), "doomed", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped) == 1
	}, "failure callback never fired")
	mu.Lock()
	defer mu.Unlock()
	if dropped[0] != "doomed" {
		t.Fatalf("dropped: %v", dropped)
	}
}

func TestPollIntervalHasOneSecondFloor(t *testing.T) {
	q := newTestQueue(t, queue.Options{})
	w := New(q, func(ctx context.Context, job *queue.Job) error { return nil },
		Options{PollInterval: 10 * time.Millisecond})
	defer w.Close()
	// Redis blocking pops truncate sub-second timeouts to 1s; the option
	// is clamped so the configured and effective values agree.
	if w.poll != time.Second {
		t.Fatalf("poll: %v", w.poll)
	}
}

func TestControlsAfterClose(t *testing.T) {
	q := newTestQueue(t, queue.Options{})
	w := New(q, func(ctx context.Context, job *queue.Job) error { return nil },
		Options{PollInterval: 50 * time.Millisecond})
	w.Close()
	w.Close()
	if err := w.Pause(); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("pause after close: %v", err)
	}
	if err := w.Resume(); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("resume after close: %v", err)
	}
}
