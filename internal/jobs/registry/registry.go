// Package registry holds the process-wide set of named job queues.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jankosk/norish-sub000/internal/jobs/queue"
	"github.com/jankosk/norish-sub000/internal/metrics"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// ErrNotInitialized reports access before Initialize.
var ErrNotInitialized = errors.New("jobs: registry not initialized")

// ErrUnknownQueue reports a name outside the registered set.
var ErrUnknownQueue = errors.New("jobs: unknown queue")

// Options configures the registry and the queues it creates.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.Metrics
	// Queues is the set of names to create. Empty means DefaultQueues.
	Queues      []string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultQueues are the queues the service operates out of the box.
var DefaultQueues = []string{"imports", "enrichment", "calendar-sync"}

// Registry owns the named queues of one process.
type Registry struct {
	client *redis.Client
	ns     string
	opts   Options
	logger logpkg.Logger

	mu          sync.Mutex
	queues      map[string]*queue.Queue
	initialized bool
}

// New builds an uninitialized registry.
func New(client *redis.Client, namespace string, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Registry{
		client: client,
		ns:     namespace,
		opts:   opts,
		logger: logger.With(logpkg.Component("jobs")),
	}
}

// Initialize creates every configured queue. Calling it again is a no-op,
// so independent startup paths can all demand it.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("jobs: redis unreachable: %w", err)
	}
	names := r.opts.Queues
	if len(names) == 0 {
		names = DefaultQueues
	}
	r.queues = make(map[string]*queue.Queue, len(names))
	for _, name := range names {
		r.queues[name] = queue.New(r.client, r.ns, name, queue.Options{
			Logger:      r.opts.Logger,
			Metrics:     r.opts.Metrics,
			MaxAttempts: r.opts.MaxAttempts,
			BackoffBase: r.opts.BackoffBase,
			BackoffMax:  r.opts.BackoffMax,
		})
	}
	r.initialized = true
	r.logger.Info("job queues initialized", logpkg.Int("queues", len(names)))
	return nil
}

// Get returns one named queue.
func (r *Registry) Get(name string) (*queue.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// All returns every queue.
func (r *Registry) All() ([]*queue.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]*queue.Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out, nil
}

// CloseAll closes every queue handle. Later enqueues report Skipped.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		q.Close()
	}
}
