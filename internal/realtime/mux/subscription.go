package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/jankosk/norish-sub000/internal/realtime/envelope"
	"github.com/jankosk/norish-sub000/internal/realtime/filter"
)

// ErrClosed reports that the subscription (or its owning Muxer) has been
// torn down. It is the terminal result of Next, not a failure.
var ErrClosed = errors.New("mux: subscription closed")

// Subscription is a single consumer-facing stream of envelopes for one
// channel. Messages are buffered internally between the upstream receive
// loop and the consumer's Next calls, so none are lost while the consumer
// is slow to pull.
type Subscription struct {
	channel string
	filter  filter.Filter

	mu     sync.Mutex
	queue  []envelope.Envelope
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	detach func(*Subscription)
}

func newSubscription(channelName string, f filter.Filter, detach func(*Subscription)) *Subscription {
	return &Subscription{
		channel: channelName,
		filter:  f,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		detach:  detach,
	}
}

// Channel returns the channel name this subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

// push enqueues an envelope if it passes the filter. Reports whether the
// envelope was delivered.
func (s *Subscription) push(env envelope.Envelope) bool {
	if !s.filter.Eval(env) {
		return false
	}
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return false
	default:
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until the next envelope, cancellation, or teardown. Buffered
// envelopes are drained before a teardown is reported. Cancellation returns
// ctx.Err(); teardown returns ErrClosed. Neither indicates a transport
// failure.
func (s *Subscription) Next(ctx context.Context) (envelope.Envelope, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return env, nil
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-s.done:
			return envelope.Envelope{}, ErrClosed
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		}
	}
}

// Close tears down the logical subscription and reverses its listener-count
// increment. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.detach != nil {
			s.detach(s)
		}
	})
}

// terminate ends the subscription without detaching; used when the owner is
// tearing down all listeners at once.
func (s *Subscription) terminate() {
	s.once.Do(func() { close(s.done) })
}
