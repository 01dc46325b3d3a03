// Package manager drives the lazy lifecycle of one queue's worker: the
// worker exists only while there is work, idles warm for a grace period
// after the queue drains, and is torn down entirely after a longer one.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/jankosk/norish-sub000/internal/jobs/queue"
	"github.com/jankosk/norish-sub000/internal/jobs/worker"
	"github.com/jankosk/norish-sub000/internal/metrics"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// State names one phase of the worker lifecycle.
type State string

// Lifecycle states.
const (
	// StateWaiting means no worker has been created yet.
	StateWaiting State = "waiting"
	// StateRunning means a worker exists and is taking jobs.
	StateRunning State = "running"
	// StateWarmIdle means the worker is paused but resumable.
	StateWarmIdle State = "warm-idle"
	// StateCold means the worker was destroyed after a long idle.
	StateCold State = "cold"
)

// gaugeValue encodes states for the worker state gauge.
func gaugeValue(s State) float64 {
	switch s {
	case StateRunning:
		return 1
	case StateWarmIdle:
		return 2
	case StateCold:
		return 3
	default:
		return 0
	}
}

// Options configures a Manager.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.Metrics
	// WarmIdle is how long a drained worker keeps running before it is
	// paused. Zero means 30s.
	WarmIdle time.Duration
	// ColdShutdown is how long a paused worker is kept before it is
	// destroyed. Zero means 5m.
	ColdShutdown time.Duration
	// Concurrency and PollInterval are handed to created workers.
	Concurrency  int
	PollInterval time.Duration
	// OnFailure is handed to created workers.
	OnFailure worker.FailureCallback
}

// Manager owns the worker of one queue.
type Manager struct {
	q       *queue.Queue
	handler worker.Handler
	logger  logpkg.Logger
	metrics *metrics.Metrics

	warmIdle     time.Duration
	coldShutdown time.Duration
	concurrency  int
	poll         time.Duration
	onFail       worker.FailureCallback

	mu        sync.Mutex
	state     State
	w         *worker.Worker
	warmTimer *time.Timer
	coldTimer *time.Timer
	closed    bool

	listenStop func()
	listenDone chan struct{}
}

// New builds a Manager. No worker is created until a job is announced.
func New(q *queue.Queue, handler worker.Handler, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.NewNop()
	}
	warm := opts.WarmIdle
	if warm <= 0 {
		warm = 30 * time.Second
	}
	cold := opts.ColdShutdown
	if cold <= 0 {
		cold = 5 * time.Minute
	}
	m := &Manager{
		q:            q,
		handler:      handler,
		logger:       logger.With(logpkg.Component("manager"), logpkg.Str("queue", q.Name())),
		metrics:      mets,
		warmIdle:     warm,
		coldShutdown: cold,
		concurrency:  opts.Concurrency,
		poll:         opts.PollInterval,
		onFail:       opts.OnFailure,
		state:        StateWaiting,
	}
	m.metrics.WorkerState.WithLabelValues(q.Name()).Set(gaugeValue(StateWaiting))
	return m
}

// Start subscribes to the queue's lifecycle events and catches up on jobs
// enqueued while no manager was listening.
func (m *Manager) Start(ctx context.Context) error {
	events, stop, err := m.q.Listen(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.listenStop = stop
	m.listenDone = make(chan struct{})
	done := m.listenDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range events {
			switch ev.Kind {
			case queue.EventReady:
				m.jobReady()
			case queue.EventDrained:
				m.drained()
			}
		}
	}()

	counts, err := m.q.Counts(ctx)
	if err != nil {
		return err
	}
	if counts.Total() > 0 {
		m.jobReady()
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.state = s
	m.metrics.WorkerState.WithLabelValues(m.q.Name()).Set(gaugeValue(s))
}

func (m *Manager) stopTimers() {
	if m.warmTimer != nil {
		m.warmTimer.Stop()
		m.warmTimer = nil
	}
	if m.coldTimer != nil {
		m.coldTimer.Stop()
		m.coldTimer = nil
	}
}

func (m *Manager) newWorker() *worker.Worker {
	return worker.New(m.q, m.handler, worker.Options{
		Logger:       m.logger,
		Concurrency:  m.concurrency,
		PollInterval: m.poll,
		OnFailure:    m.onFail,
	})
}

// jobReady makes sure a live worker is taking jobs, creating or resuming
// one as the current state requires.
func (m *Manager) jobReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.stopTimers()
	switch m.state {
	case StateRunning:
	case StateWaiting, StateCold:
		m.w = m.newWorker()
		m.setState(StateRunning)
		m.logger.Info("worker created")
	case StateWarmIdle:
		if err := m.w.Resume(); err != nil {
			// The worker is unusable; replace it outright.
			m.logger.Warn("resume failed, recreating worker", logpkg.Err(err))
			m.w.Close()
			m.w = m.newWorker()
		}
		m.setState(StateRunning)
		m.logger.Debug("worker resumed")
	}
}

// drained arms the warm idle timer. The queue may refill before it fires;
// the timer re-verifies before acting.
func (m *Manager) drained() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateRunning {
		return
	}
	if m.warmTimer != nil {
		m.warmTimer.Stop()
	}
	m.warmTimer = time.AfterFunc(m.warmIdle, m.warmExpired)
}

// warmExpired pauses the worker unless jobs arrived since the timer was
// armed.
func (m *Manager) warmExpired() {
	if m.hasPending() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != StateRunning {
		return
	}
	if err := m.w.Pause(); err != nil {
		m.logger.Warn("pause failed", logpkg.Err(err))
		return
	}
	m.setState(StateWarmIdle)
	m.logger.Info("worker idled warm")
	if m.coldTimer != nil {
		m.coldTimer.Stop()
	}
	m.coldTimer = time.AfterFunc(m.coldShutdown, m.coldExpired)
}

// coldExpired destroys the paused worker, again re-verifying first.
func (m *Manager) coldExpired() {
	if m.hasPending() {
		m.jobReady()
		return
	}
	m.mu.Lock()
	if m.closed || m.state != StateWarmIdle {
		m.mu.Unlock()
		return
	}
	w := m.w
	m.w = nil
	m.setState(StateCold)
	m.mu.Unlock()
	// Close outside the lock; it waits for in-flight jobs.
	w.Close()
	m.logger.Info("worker shut down cold")
}

// hasPending asks the queue whether any job exists in any state. Counting
// errors are treated as pending so timers never tear down a busy worker
// on a transient fault.
func (m *Manager) hasPending() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	counts, err := m.q.Counts(ctx)
	if err != nil {
		m.logger.Warn("count check failed", logpkg.Err(err))
		return true
	}
	return counts.Total() > 0
}

// Close stops the event listener, cancels timers, and tears down the
// worker, waiting for in-flight jobs. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimers()
	stop := m.listenStop
	done := m.listenDone
	w := m.w
	m.w = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if w != nil {
		w.Close()
	}
}
