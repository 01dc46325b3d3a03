// Package registry tracks the live connections of this process and
// propagates connection invalidation across processes over a fixed
// pub/sub channel.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"

	"github.com/jankosk/norish-sub000/internal/metrics"
	"github.com/jankosk/norish-sub000/internal/realtime/channel"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// Handle is the registry's view of one live connection. Terminate must be
// safe to call from any goroutine and more than once.
type Handle interface {
	ID() string
	Identity() channel.Identity
	Terminate(reason string)
}

// Invalidation is the wire form of a cross-process invalidation notice.
type Invalidation struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// Options configures a Registry.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.Metrics
}

// Registry indexes live connections by user so an invalidation can reach
// every device of that user. One user may hold several connections.
type Registry struct {
	client  *redis.Client
	ns      string
	logger  logpkg.Logger
	metrics *metrics.Metrics
	conns   *xsync.Map[string, *connSet]
}

type connSet struct {
	mu sync.Mutex
	// dead marks a set that has been unlinked from the index; a Register
	// that raced the unlink must retry rather than land in an orphan.
	dead    bool
	handles map[string]Handle
}

// New builds a Registry for one namespace.
func New(client *redis.Client, namespace string, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.NewNop()
	}
	return &Registry{
		client:  client,
		ns:      namespace,
		logger:  logger.With(logpkg.Component("registry")),
		metrics: mets,
		conns:   xsync.NewMap[string, *connSet](),
	}
}

// Register adds a connection under its user.
func (r *Registry) Register(h Handle) {
	userID := h.Identity().UserID
	for {
		set, _ := r.conns.LoadOrStore(userID, &connSet{handles: make(map[string]Handle)})
		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			continue
		}
		set.handles[h.ID()] = h
		set.mu.Unlock()
		break
	}
	r.metrics.Connections.Inc()
	r.logger.Debug("connection registered", logpkg.Str("conn", h.ID()), logpkg.Str("user", userID))
}

// Unregister removes a connection. Removing an unknown connection is a
// no-op so transport teardown paths need not coordinate.
func (r *Registry) Unregister(h Handle) {
	userID := h.Identity().UserID
	set, ok := r.conns.Load(userID)
	if !ok {
		return
	}
	set.mu.Lock()
	_, present := set.handles[h.ID()]
	delete(set.handles, h.ID())
	if len(set.handles) == 0 {
		// Unlink while holding the set lock; the key stays occupied until
		// the delete, so no fresh set can be stored underneath it.
		set.dead = true
		r.conns.Delete(userID)
	}
	set.mu.Unlock()
	if present {
		r.metrics.Connections.Dec()
	}
}

// Count returns the number of live connections in this process.
func (r *Registry) Count() int {
	total := 0
	r.conns.Range(func(_ string, set *connSet) bool {
		set.mu.Lock()
		total += len(set.handles)
		set.mu.Unlock()
		return true
	})
	return total
}

// TerminateLocal terminates every local connection of one user and returns
// how many it reached. Connections of other users are untouched.
func (r *Registry) TerminateLocal(userID, reason string) int {
	set, ok := r.conns.Load(userID)
	if !ok {
		return 0
	}
	set.mu.Lock()
	handles := make([]Handle, 0, len(set.handles))
	for _, h := range set.handles {
		handles = append(handles, h)
	}
	set.mu.Unlock()
	for _, h := range handles {
		h.Terminate(reason)
	}
	return len(handles)
}

// Terminate publishes an invalidation notice for one user. Every process,
// including this one, picks it up through Listen.
func (r *Registry) Terminate(ctx context.Context, userID, reason string) error {
	b, err := json.Marshal(Invalidation{UserID: userID, Reason: reason})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel.Invalidation(r.ns), b).Err(); err != nil {
		return fmt.Errorf("registry: publish invalidation: %w", err)
	}
	return nil
}

// Listen consumes the invalidation channel until the context ends,
// terminating the local connections each notice names. Malformed notices
// are logged and skipped. The pub/sub client reconnects on transport
// errors on its own.
func (r *Registry) Listen(ctx context.Context) error {
	ps := r.client.Subscribe(context.Background(), channel.Invalidation(r.ns))
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("registry: subscribe invalidation: %w", err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil || inv.UserID == "" {
				r.logger.Warn("dropping malformed invalidation", logpkg.Err(err))
				continue
			}
			n := r.TerminateLocal(inv.UserID, inv.Reason)
			r.metrics.Invalidations.Inc()
			r.logger.Info("invalidation applied",
				logpkg.Str("user", inv.UserID),
				logpkg.Str("reason", inv.Reason),
				logpkg.Int("connections", n))
		}
	}
}

// CloseAll terminates every local connection, for process shutdown.
func (r *Registry) CloseAll(reason string) {
	r.conns.Range(func(userID string, _ *connSet) bool {
		r.TerminateLocal(userID, reason)
		return true
	})
}
