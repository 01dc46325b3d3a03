// Package worker runs queue jobs on a bounded pool of goroutines with
// pause and resume controls.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jankosk/norish-sub000/internal/jobs/queue"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// Handler processes one job. A nil return completes the job; an error
// fails the attempt and defers retry policy to the queue.
type Handler func(ctx context.Context, job *queue.Job) error

// FailureCallback observes jobs that exhausted their attempts.
type FailureCallback func(job *queue.Job, err error)

// ErrWorkerClosed reports a control operation on a closed worker.
var ErrWorkerClosed = errors.New("worker: closed")

// Options configures a Worker.
type Options struct {
	Logger logpkg.Logger
	// Concurrency is the number of concurrent job slots. Zero means 1.
	Concurrency int
	// PollInterval bounds each blocking dequeue. Redis blocking pops
	// support no timeout under one second, so smaller values are raised
	// to 1s; pause and close abort an in-flight pop rather than waiting
	// out the window. Zero means 1s.
	PollInterval time.Duration
	// OnFailure, when set, is called for jobs dropped after their last
	// attempt.
	OnFailure FailureCallback
}

// Worker consumes one queue. It starts paused-free and runs until Close.
type Worker struct {
	q       *queue.Queue
	handler Handler
	logger  logpkg.Logger
	poll    time.Duration
	onFail  FailureCallback

	mu          sync.Mutex
	paused      bool
	resumeCh    chan struct{}
	closed      bool
	fetchCtx    context.Context
	fetchCancel context.CancelFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds and starts a worker with the given concurrency.
func New(q *queue.Queue, handler Handler, opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := opts.PollInterval
	if poll < time.Second {
		poll = time.Second
	}
	w := &Worker{
		q:       q,
		handler: handler,
		logger:  logger.With(logpkg.Component("worker"), logpkg.Str("queue", q.Name())),
		poll:    poll,
		onFail:  opts.OnFailure,
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.baseCtx = ctx
	w.cancel = cancel
	w.fetchCtx, w.fetchCancel = context.WithCancel(ctx)
	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	return w
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		if err := w.awaitRunnable(ctx); err != nil {
			return
		}
		w.mu.Lock()
		fctx := w.fetchCtx
		w.mu.Unlock()
		job, err := w.q.Dequeue(fctx, w.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A canceled fetch means a pause landed mid-pop; park upstairs.
			if fctx.Err() != nil {
				continue
			}
			w.logger.Warn("dequeue failed", logpkg.Err(err))
			continue
		}
		if job == nil {
			continue
		}
		w.run(ctx, job)
	}
}

// awaitRunnable parks the loop while the worker is paused.
func (w *Worker) awaitRunnable(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return ErrWorkerClosed
		}
		if !w.paused {
			w.mu.Unlock()
			return nil
		}
		ch := w.resumeCh
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) run(ctx context.Context, job *queue.Job) {
	if err := w.handler(ctx, job); err != nil {
		retried, failErr := w.q.Fail(ctx, job, err)
		if failErr != nil {
			w.logger.Error("recording job failure failed", logpkg.Str("job", job.ID), logpkg.Err(failErr))
			return
		}
		if !retried && w.onFail != nil {
			w.onFail(job, err)
		}
		return
	}
	if err := w.q.Complete(ctx, job); err != nil {
		w.logger.Error("completing job failed", logpkg.Str("job", job.ID), logpkg.Err(err))
	}
}

// Pause stops the loops from taking new jobs. Jobs already running finish
// normally. Pausing a paused worker is a no-op.
func (w *Worker) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}
	if !w.paused {
		w.paused = true
		w.resumeCh = make(chan struct{})
		// Abort in-flight blocking pops so the pause takes effect now, not
		// when the current poll window runs out.
		w.fetchCancel()
	}
	return nil
}

// Resume lets a paused worker take jobs again.
func (w *Worker) Resume() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerClosed
	}
	if w.paused {
		w.paused = false
		close(w.resumeCh)
		w.resumeCh = nil
		w.fetchCtx, w.fetchCancel = context.WithCancel(w.baseCtx)
	}
	return nil
}

// Paused reports whether the worker is currently paused.
func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Close stops the loops and waits for in-flight jobs to finish. Idempotent.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.paused {
		w.paused = false
		close(w.resumeCh)
		w.resumeCh = nil
	}
	w.mu.Unlock()
	w.cancel()
	w.wg.Wait()
}
