package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jankosk/norish-sub000/internal/realtime/channel"
	"github.com/jankosk/norish-sub000/internal/realtime/emitter"
	"github.com/jankosk/norish-sub000/internal/realtime/filter"
	"github.com/jankosk/norish-sub000/internal/realtime/mux"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

const writeTimeout = 10 * time.Second

// Conn is one live client connection. It owns a multiplexer whose pattern
// set is fixed to the authenticated identity for the connection lifetime.
type Conn struct {
	id    string
	ident channel.Identity
	ws    *websocket.Conn
	muxer *mux.Muxer
	em    *emitter.Emitter
	log   logpkg.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*subEntry
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// subEntry holds the variant subscriptions and merge pump of one logical
// (domain, event) subscription.
type subEntry struct {
	stop func()
	done chan struct{}
}

func newConn(id string, ident channel.Identity, wsc *websocket.Conn, muxer *mux.Muxer, em *emitter.Emitter, logger logpkg.Logger) *Conn {
	return &Conn{
		id:    id,
		ident: ident,
		ws:    wsc,
		muxer: muxer,
		em:    em,
		log:   logger.With(logpkg.Str("conn", id), logpkg.Str("user", ident.UserID)),
		subs:  make(map[string]*subEntry),
		done:  make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Identity returns the authenticated identity.
func (c *Conn) Identity() channel.Identity { return c.ident }

// Terminate asks the client to reconnect and closes the connection. Safe
// from any goroutine and more than once.
func (c *Conn) Terminate(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseServiceRestart, reason)
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	c.teardown()
}

// serve reads client frames until the connection drops, then tears down.
func (c *Conn) serve() {
	defer c.teardown()
	for {
		var frame clientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart) {
				c.log.Debug("connection dropped", logpkg.Err(err))
			}
			return
		}
		switch frame.Action {
		case actionSubscribe:
			c.handleSubscribe(frame)
		case actionUnsubscribe:
			c.handleUnsubscribe(frame)
		default:
			c.sendError(codeBadRequest, "unknown action")
		}
	}
}

func subKey(domain, event string) string { return domain + ":" + event }

func (c *Conn) handleSubscribe(frame clientFrame) {
	if frame.Domain == "" || frame.Event == "" {
		c.sendError(codeBadRequest, "domain and event are required")
		return
	}
	f := filter.Filter{}
	if frame.Filter != "" {
		var err error
		f, err = filter.New(frame.Filter)
		if err != nil {
			c.sendError(codeBadFilter, err.Error())
			return
		}
	}
	key := subKey(frame.Domain, frame.Event)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[key]; ok {
		c.mu.Unlock()
		c.sendError(codeAlreadySubscribed, key)
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	subs, err := c.em.SubscribeVariants(ctx, c.muxer, c.ident, frame.Domain, frame.Event, f)
	cancel()
	if err != nil {
		c.sendError(codeSubscribeFailed, err.Error())
		return
	}
	merged, stop := emitter.Merge(context.Background(), subs...)
	entry := &subEntry{stop: stop, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		close(entry.done)
		return
	}
	c.subs[key] = entry
	c.mu.Unlock()

	go func() {
		defer close(entry.done)
		for env := range merged {
			c.sendJSON(eventFrame{
				Type:    frameEvent,
				Domain:  env.Domain,
				Event:   env.Event,
				Scope:   string(env.Scope),
				ScopeID: env.ScopeID,
				At:      env.At,
				Data:    env.Data,
			})
		}
	}()
	c.sendJSON(ackFrame{Type: frameSubscribed, Domain: frame.Domain, Event: frame.Event})
}

func (c *Conn) handleUnsubscribe(frame clientFrame) {
	key := subKey(frame.Domain, frame.Event)
	c.mu.Lock()
	entry, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()
	if !ok {
		c.sendError(codeNotSubscribed, key)
		return
	}
	entry.stop()
	<-entry.done
	c.sendJSON(ackFrame{Type: frameUnsubscribed, Domain: frame.Domain, Event: frame.Event})
}

func (c *Conn) sendError(code, message string) {
	c.sendJSON(errorFrame{Type: frameError, Error: frameDetail{Code: code, Message: message}})
}

func (c *Conn) sendJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		c.log.Debug("write failed", logpkg.Err(err))
	}
}

// teardown stops every pump, closes the multiplexer, and closes the
// socket. Idempotent; runs exactly once no matter who triggers it.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		entries := make([]*subEntry, 0, len(c.subs))
		for _, e := range c.subs {
			entries = append(entries, e)
		}
		c.subs = make(map[string]*subEntry)
		c.mu.Unlock()

		for _, e := range entries {
			e.stop()
			<-e.done
		}
		_ = c.muxer.Close()
		_ = c.ws.Close()
		close(c.done)
	})
}
