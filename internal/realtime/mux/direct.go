package mux

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/jankosk/norish-sub000/internal/metrics"
	"github.com/jankosk/norish-sub000/internal/realtime/envelope"
	"github.com/jankosk/norish-sub000/internal/realtime/filter"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// Direct opens a standalone subscription on one exact channel without a
// Muxer, for polling and test contexts that have no long-lived connection.
// The subscription owns its own pub/sub connection and releases it on
// Close. The subscription is confirmed before Direct returns.
func Direct(ctx context.Context, client *redis.Client, channelName string, f filter.Filter, opts Options) (*Subscription, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.NewNop()
	}
	ps := client.Subscribe(context.Background(), channelName)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := newSubscription(channelName, f, func(*Subscription) { _ = ps.Close() })
	go func() {
		for msg := range ps.Channel() {
			env, err := envelope.Decode([]byte(msg.Payload))
			if err != nil {
				mets.DecodeErrors.Inc()
				logger.Warn("dropping undecodable message", logpkg.Str("channel", msg.Channel), logpkg.Err(err))
				continue
			}
			if sub.push(env) {
				mets.EventsDelivered.Inc()
			}
		}
	}()
	return sub, nil
}
