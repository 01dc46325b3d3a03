package runtime

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/jankosk/norish-sub000/internal/config"
	jobsregistry "github.com/jankosk/norish-sub000/internal/jobs/registry"
	"github.com/jankosk/norish-sub000/internal/metrics"
	"github.com/jankosk/norish-sub000/internal/realtime/emitter"
	connregistry "github.com/jankosk/norish-sub000/internal/realtime/registry"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
}

// Runtime wires the Redis store, metrics, and facades for one process.
type Runtime struct {
	client   *redis.Client
	config   cfgpkg.Config
	logger   logpkg.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	emitter *emitter.Emitter
	conns   *connregistry.Registry
	jobs    *jobsregistry.Registry
}

// Open connects to Redis and builds the facades.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	cfg := opts.Config
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	promReg := prometheus.NewRegistry()
	mets := metrics.New(promReg)

	rt := &Runtime{
		client:   client,
		config:   cfg,
		logger:   logger,
		registry: promReg,
		metrics:  mets,
		emitter: emitter.New(client, cfg.Namespace, emitter.Options{
			Logger:  logger,
			Metrics: mets,
		}),
		conns: connregistry.New(client, cfg.Namespace, connregistry.Options{
			Logger:  logger,
			Metrics: mets,
		}),
		jobs: jobsregistry.New(client, cfg.Namespace, jobsregistry.Options{
			Logger:      logger,
			Metrics:     mets,
			MaxAttempts: cfg.Jobs.MaxAttempts,
			BackoffBase: cfg.Jobs.BackoffBase.D(),
			BackoffMax:  cfg.Jobs.BackoffMax.D(),
		}),
	}
	return rt, nil
}

// Close releases the Redis connection.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// CheckHealth verifies the store is reachable.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Client exposes the underlying Redis client (internal use only).
func (r *Runtime) Client() *redis.Client { return r.client }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Logger returns the process logger.
func (r *Runtime) Logger() logpkg.Logger { return r.logger }

// PromRegistry returns the Prometheus registry metrics are collected in.
func (r *Runtime) PromRegistry() *prometheus.Registry { return r.registry }

// Metrics returns the shared metric set.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Emitter returns the event emitter.
func (r *Runtime) Emitter() *emitter.Emitter { return r.emitter }

// Connections returns the connection registry.
func (r *Runtime) Connections() *connregistry.Registry { return r.conns }

// Jobs returns the job queue registry.
func (r *Runtime) Jobs() *jobsregistry.Registry { return r.jobs }
