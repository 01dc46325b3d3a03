// Package emitter publishes domain events under audience-scope policies and
// fans multiple logical subscriptions back into a single stream.
//
// A policy picks exactly one channel variant (broadcast, household, or
// owner) at publish time, so an event is never delivered twice. Subscribers
// do the opposite: they always listen on every variant, because policies
// can change at runtime and the listening set must not depend on them.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jankosk/norish-sub000/internal/metrics"
	"github.com/jankosk/norish-sub000/internal/realtime/channel"
	"github.com/jankosk/norish-sub000/internal/realtime/envelope"
	"github.com/jankosk/norish-sub000/internal/realtime/filter"
	"github.com/jankosk/norish-sub000/internal/realtime/mux"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// Policy names the audience-scope rule applied to an event at publish time.
type Policy string

// Policies.
const (
	PolicyBroadcast Policy = "broadcast"
	PolicyHousehold Policy = "household"
	PolicyOwner     Policy = "owner"
)

// ErrUnknownPolicy reports a policy outside the known set.
var ErrUnknownPolicy = errors.New("emitter: unknown policy")

// ErrNoAudience reports an event context that cannot satisfy the requested
// policy (for example an owner-scoped event without a user id).
var ErrNoAudience = errors.New("emitter: event context has no audience for policy")

// EventContext carries the identities an event relates to.
type EventContext struct {
	UserID      string
	HouseholdID string
}

// Options configures an Emitter.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.Metrics
	// DefaultPolicy applies to events without an explicit table entry.
	// Zero value means PolicyHousehold.
	DefaultPolicy Policy
}

// Emitter publishes envelopes to the shared Redis store.
type Emitter struct {
	client  *redis.Client
	ns      string
	logger  logpkg.Logger
	metrics *metrics.Metrics

	mu            sync.RWMutex
	policies      map[string]Policy
	defaultPolicy Policy
}

// New builds an Emitter for one namespace.
func New(client *redis.Client, namespace string, opts Options) *Emitter {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.NewNop()
	}
	def := opts.DefaultPolicy
	if def == "" {
		def = PolicyHousehold
	}
	return &Emitter{
		client:        client,
		ns:            namespace,
		logger:        logger.With(logpkg.Component("emitter")),
		metrics:       mets,
		policies:      make(map[string]Policy),
		defaultPolicy: def,
	}
}

func policyKey(domain, event string) string { return domain + ":" + event }

// SetPolicy changes the policy for one (domain, event) pair at runtime.
func (e *Emitter) SetPolicy(domain, event string, p Policy) error {
	switch p {
	case PolicyBroadcast, PolicyHousehold, PolicyOwner:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, p)
	}
	e.mu.Lock()
	e.policies[policyKey(domain, event)] = p
	e.mu.Unlock()
	return nil
}

// PolicyFor returns the effective policy for one (domain, event) pair.
func (e *Emitter) PolicyFor(domain, event string) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[policyKey(domain, event)]; ok {
		return p
	}
	return e.defaultPolicy
}

// Emit publishes under the configured policy for the event.
func (e *Emitter) Emit(ctx context.Context, evctx EventContext, domain, event string, data any) error {
	return e.EmitByPolicy(ctx, e.PolicyFor(domain, event), evctx, domain, event, data)
}

// EmitByPolicy publishes to exactly one of the broadcast, household, or
// owner channel variants, never more than one, so a subscriber listening
// on all three receives the event exactly once.
func (e *Emitter) EmitByPolicy(ctx context.Context, policy Policy, evctx EventContext, domain, event string, data any) error {
	scope, scopeID, err := resolveAudience(policy, evctx)
	if err != nil {
		return err
	}
	env := envelope.Envelope{
		Domain:  domain,
		Event:   event,
		Scope:   scope,
		ScopeID: scopeID,
		At:      time.Now(),
		Data:    data,
	}
	b, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	name := channel.Name(e.ns, domain, scope, scopeID, event)
	if err := e.client.Publish(ctx, name, b).Err(); err != nil {
		return fmt.Errorf("emitter: publish %s: %w", name, err)
	}
	e.metrics.EventsPublished.WithLabelValues(string(scope)).Inc()
	e.logger.Debug("event published", logpkg.Str("channel", name), logpkg.Str("policy", string(policy)))
	return nil
}

// resolveAudience maps (policy, context) to the single concrete scope. A
// household policy for a user without a household narrows to owner rather
// than leaking the event wider.
func resolveAudience(policy Policy, evctx EventContext) (channel.Scope, string, error) {
	switch policy {
	case PolicyBroadcast:
		return channel.ScopeBroadcast, channel.BroadcastID, nil
	case PolicyHousehold:
		if evctx.HouseholdID != "" {
			return channel.ScopeHousehold, evctx.HouseholdID, nil
		}
		fallthrough
	case PolicyOwner:
		if evctx.UserID == "" {
			return "", "", ErrNoAudience
		}
		return channel.ScopeUser, evctx.UserID, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}

// SubscribeVariants opens one logical subscription per channel variant of a
// (domain, event) pair on the given Muxer. On error, subscriptions already
// opened are closed before returning.
func (e *Emitter) SubscribeVariants(ctx context.Context, m *mux.Muxer, ident channel.Identity, domain, event string, f filter.Filter) ([]*mux.Subscription, error) {
	names := channel.Variants(e.ns, domain, ident, event)
	subs := make([]*mux.Subscription, 0, len(names))
	for _, name := range names {
		sub, err := m.Subscribe(ctx, name, f)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// SubscribeDirect opens a standalone subscription without a Muxer, for
// polling and test contexts.
func (e *Emitter) SubscribeDirect(ctx context.Context, channelName string, f filter.Filter) (*mux.Subscription, error) {
	return mux.Direct(ctx, e.client, channelName, f, mux.Options{Logger: e.logger, Metrics: e.metrics})
}
