package mux

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/jankosk/norish-sub000/internal/metrics"
	"github.com/jankosk/norish-sub000/internal/realtime/channel"
	"github.com/jankosk/norish-sub000/internal/realtime/envelope"
	"github.com/jankosk/norish-sub000/internal/realtime/filter"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// Options configures a Muxer.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.Metrics
}

// Muxer consolidates the logical subscriptions of one connection onto a
// single upstream Redis pub/sub connection. It is exclusively owned by that
// connection and closed with it.
type Muxer struct {
	client   *redis.Client
	patterns []string
	logger   logpkg.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	upstream  *redis.PubSub
	init      *initState
	listeners map[string][]*Subscription
	closed    bool
	recvDone  chan struct{}
}

// initState is shared by callers racing to create the upstream connection:
// all of them wait on done and observe the same err.
type initState struct {
	done chan struct{}
	err  error
}

// New builds a Muxer for one connection. The pattern set is derived from
// the identity once and never changes afterwards.
func New(client *redis.Client, namespace string, ident channel.Identity, opts Options) *Muxer {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.NewNop()
	}
	return &Muxer{
		client:    client,
		patterns:  channel.PatternsFor(namespace, ident),
		logger:    logger.With(logpkg.Component("mux")),
		metrics:   mets,
		listeners: make(map[string][]*Subscription),
	}
}

// Patterns returns the fixed wildcard pattern set for this connection.
func (m *Muxer) Patterns() []string {
	out := make([]string, len(m.patterns))
	copy(out, m.patterns)
	return out
}

// Subscribe opens a logical subscription on an exact channel name. The
// first call creates the upstream connection; concurrent first calls share
// one in-flight initialization. After Close has begun, the returned
// subscription is already terminated and yields nothing.
func (m *Muxer) Subscribe(ctx context.Context, channelName string, f filter.Filter) (*Subscription, error) {
	if err := m.ensureUpstream(ctx); err != nil {
		if err == ErrClosed {
			sub := newSubscription(channelName, f, nil)
			sub.terminate()
			return sub, nil
		}
		return nil, err
	}
	sub := newSubscription(channelName, f, m.detach)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.terminate()
		return sub, nil
	}
	m.listeners[channelName] = append(m.listeners[channelName], sub)
	m.mu.Unlock()
	return sub, nil
}

// ListenerCount returns the number of live logical subscriptions for an
// exact channel.
func (m *Muxer) ListenerCount(channelName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[channelName])
}

// detach removes one subscription; the last listener leaving a channel
// removes its map entry. The connection-wide pattern set stays as is.
func (m *Muxer) detach(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.listeners[sub.channel]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(m.listeners, sub.channel)
	} else {
		m.listeners[sub.channel] = subs
	}
}

// ensureUpstream creates the upstream pattern subscription exactly once.
// The connection is confirmed before the method returns, so a message
// published right after Subscribe cannot fall into an unsubscribed window.
func (m *Muxer) ensureUpstream(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.upstream != nil {
		m.mu.Unlock()
		return nil
	}
	if st := m.init; st != nil {
		m.mu.Unlock()
		select {
		case <-st.done:
			return st.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	st := &initState{done: make(chan struct{})}
	m.init = st
	m.mu.Unlock()

	// The pub/sub connection outlives the subscribing call, so it is not
	// tied to the caller's context.
	ps := m.client.PSubscribe(context.Background(), m.patterns...)
	err := m.awaitConfirmations(ctx, ps)

	m.mu.Lock()
	m.init = nil
	if err == nil && m.closed {
		err = ErrClosed
	}
	if err != nil {
		m.mu.Unlock()
		_ = ps.Close()
		st.err = err
		close(st.done)
		return err
	}
	m.upstream = ps
	m.recvDone = make(chan struct{})
	go m.receive(ps, m.recvDone)
	m.mu.Unlock()
	close(st.done)
	return nil
}

// awaitConfirmations reads until every pattern subscription is acknowledged.
// A data message arriving mid-handshake is dispatched rather than dropped.
func (m *Muxer) awaitConfirmations(ctx context.Context, ps *redis.PubSub) error {
	confirmed := 0
	for confirmed < len(m.patterns) {
		reply, err := ps.Receive(ctx)
		if err != nil {
			return err
		}
		switch msg := reply.(type) {
		case *redis.Subscription:
			confirmed++
		case *redis.Message:
			m.dispatch(msg)
		}
	}
	return nil
}

// receive pumps upstream messages to the logical listeners. Transport
// errors are go-redis's to retry; the channel closing ends the loop.
func (m *Muxer) receive(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for msg := range ps.Channel() {
		m.dispatch(msg)
	}
}

func (m *Muxer) dispatch(msg *redis.Message) {
	env, err := envelope.Decode([]byte(msg.Payload))
	if err != nil {
		// Isolated per message: drop it, keep the stream open.
		m.metrics.DecodeErrors.Inc()
		m.logger.Warn("dropping undecodable message", logpkg.Str("channel", msg.Channel), logpkg.Err(err))
		return
	}
	m.mu.Lock()
	subs := append([]*Subscription(nil), m.listeners[msg.Channel]...)
	m.mu.Unlock()
	for _, s := range subs {
		if s.push(env) {
			m.metrics.EventsDelivered.Inc()
		}
	}
}

// Close removes all local listeners, unsubscribes every pattern, and closes
// the upstream connection. Idempotent; safe to call while an initialization
// is still in flight.
func (m *Muxer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*Subscription
	for _, subs := range m.listeners {
		all = append(all, subs...)
	}
	m.listeners = make(map[string][]*Subscription)
	ps := m.upstream
	m.upstream = nil
	recvDone := m.recvDone
	m.mu.Unlock()

	for _, s := range all {
		s.terminate()
	}
	if ps != nil {
		if err := ps.PUnsubscribe(context.Background(), m.patterns...); err != nil {
			m.logger.Warn("pattern unsubscribe failed", logpkg.Err(err))
		}
		_ = ps.Close()
		<-recvDone
	}
	return nil
}
