package ws

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/jankosk/norish-sub000/internal/metrics"
	"github.com/jankosk/norish-sub000/internal/realtime/channel"
	"github.com/jankosk/norish-sub000/internal/realtime/emitter"
	"github.com/jankosk/norish-sub000/internal/realtime/mux"
	"github.com/jankosk/norish-sub000/internal/realtime/registry"
	"github.com/jankosk/norish-sub000/pkg/id"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// AuthFunc resolves an upgrade request to an identity. An error rejects
// the request before the upgrade with 401.
type AuthFunc func(r *http.Request) (channel.Identity, error)

// HeaderAuth authenticates from X-User-ID and X-Household-ID headers. It
// stands in until a real session layer fronts this service.
func HeaderAuth(r *http.Request) (channel.Identity, error) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return channel.Identity{}, errors.New("missing user")
	}
	return channel.Identity{UserID: userID, HouseholdID: r.Header.Get("X-Household-ID")}, nil
}

// Options configures a Handler.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.Metrics
	// Auth defaults to HeaderAuth.
	Auth AuthFunc
	// DevMode disables the browser origin check.
	DevMode bool
}

// Handler upgrades requests and runs connections.
type Handler struct {
	client  *redis.Client
	ns      string
	conns   *registry.Registry
	em      *emitter.Emitter
	logger  logpkg.Logger
	metrics *metrics.Metrics
	auth    AuthFunc
	idgen   *id.Generator
	up      websocket.Upgrader
}

// New builds a WebSocket handler.
func New(client *redis.Client, namespace string, conns *registry.Registry, em *emitter.Emitter, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.NewNop()
	}
	auth := opts.Auth
	if auth == nil {
		auth = HeaderAuth
	}
	h := &Handler{
		client:  client,
		ns:      namespace,
		conns:   conns,
		em:      em,
		logger:  logger.With(logpkg.Component("ws")),
		metrics: mets,
		auth:    auth,
		idgen:   id.NewGenerator(),
	}
	if opts.DevMode {
		h.up.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

// ServeHTTP authenticates, upgrades, and runs the connection until it
// drops. The identity, and with it the pattern set, is fixed before the
// upgrade and never changes afterwards.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, err := h.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wsc, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("upgrade rejected", logpkg.Err(err))
		return
	}

	connID := h.idgen.Next().String()
	muxer := mux.New(h.client, h.ns, ident, mux.Options{Logger: h.logger, Metrics: h.metrics})
	conn := newConn(connID, ident, wsc, muxer, h.em, h.logger)

	h.conns.Register(conn)
	defer h.conns.Unregister(conn)
	conn.serve()
}
