package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jankosk/norish-sub000/internal/jobs/queue"
	jobsregistry "github.com/jankosk/norish-sub000/internal/jobs/registry"
	"github.com/jankosk/norish-sub000/internal/realtime/emitter"
	"github.com/jankosk/norish-sub000/internal/runtime"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// Server is the HTTP surface of one process.
type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
}

// New wires the routes. The WebSocket handler is passed in so transports
// stay swappable in tests.
func New(rt *runtime.Runtime, wsHandler http.Handler) *Server {
	mux := http.NewServeMux()
	s := &Server{
		rt:     rt,
		srv:    &http.Server{Handler: cors(mux)},
		logger: rt.Logger().With(logpkg.Component("http")),
	}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.Handle("/v1/ws", wsHandler)
	mux.HandleFunc("/v1/events/publish", s.handlePublish)
	mux.HandleFunc("/v1/admin/invalidate", s.handleInvalidate)
	mux.HandleFunc("/v1/jobs/enqueue", s.handleEnqueue)
	mux.HandleFunc("/v1/jobs/counts", s.handleCounts)
	mux.Handle("/metrics", promhttp.HandlerFor(rt.PromRegistry(), promhttp.HandlerOpts{}))
	return s
}

// ListenAndServe serves until the context is canceled, then drains.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the listener without draining.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type publishReq struct {
	Domain      string          `json:"domain"`
	Event       string          `json:"event"`
	Policy      string          `json:"policy,omitempty"`
	UserID      string          `json:"userId"`
	HouseholdID string          `json:"householdId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Domain == "" || req.Event == "" {
		writeError(w, http.StatusBadRequest, "domain and event are required")
		return
	}
	var data any
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			writeError(w, http.StatusBadRequest, "invalid data")
			return
		}
	}
	em := s.rt.Emitter()
	evctx := emitter.EventContext{UserID: req.UserID, HouseholdID: req.HouseholdID}
	var err error
	if req.Policy != "" {
		err = em.EmitByPolicy(r.Context(), emitter.Policy(req.Policy), evctx, req.Domain, req.Event, data)
	} else {
		err = em.Emit(r.Context(), evctx, req.Domain, req.Event, data)
	}
	if err != nil {
		if errors.Is(err, emitter.ErrUnknownPolicy) || errors.Is(err, emitter.ErrNoAudience) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

type invalidateReq struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req invalidateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "invalidated"
	}
	if err := s.rt.Connections().Terminate(r.Context(), req.UserID, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, "invalidation failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "invalidated"})
}

type enqueueReq struct {
	Queue   string          `json:"queue"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Queue == "" || req.ID == "" {
		writeError(w, http.StatusBadRequest, "queue and id are required")
		return
	}
	q, err := s.rt.Jobs().Get(req.Queue)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, jobsregistry.ErrNotInitialized) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	res, err := q.Enqueue(r.Context(), req.ID, req.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	status := http.StatusAccepted
	if res == queue.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"result": string(res)})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("queue")
	if name == "" {
		writeError(w, http.StatusBadRequest, "queue is required")
		return
	}
	q, err := s.rt.Jobs().Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	counts, err := q.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "counts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"waiting": counts.Waiting,
		"active":  counts.Active,
		"delayed": counts.Delayed,
	})
}
