// Package handlers binds each named queue to its job handler. Handlers
// announce their outcomes as realtime events so clients see background
// progress without polling.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jankosk/norish-sub000/internal/jobs/queue"
	"github.com/jankosk/norish-sub000/internal/jobs/worker"
	"github.com/jankosk/norish-sub000/internal/realtime/emitter"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// payload is the common job payload shape. Queue-specific fields ride in
// Params.
type payload struct {
	UserID      string          `json:"userId"`
	HouseholdID string          `json:"householdId,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// Registry maps queue names to handlers.
type Registry struct {
	em     *emitter.Emitter
	logger logpkg.Logger
}

// New builds the handler registry.
func New(em *emitter.Emitter, logger logpkg.Logger) *Registry {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Registry{em: em, logger: logger.With(logpkg.Component("handlers"))}
}

// outcomes maps each queue to the domain event announced on completion.
var outcomes = map[string]struct{ domain, event string }{
	"imports":       {"recipes", "imported"},
	"enrichment":    {"recipes", "enriched"},
	"calendar-sync": {"calendar", "synced"},
}

// Handler returns the handler for one queue. Unknown queues get a handler
// that fails every job, so a misconfigured queue is loud rather than a
// silent sink.
func (r *Registry) Handler(queueName string) worker.Handler {
	outcome, known := outcomes[queueName]
	if !known {
		return func(ctx context.Context, job *queue.Job) error {
			return fmt.Errorf("no handler bound for queue %q", queueName)
		}
	}
	return func(ctx context.Context, job *queue.Job) error {
		var p payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("job %s: bad payload: %w", job.ID, err)
		}
		if p.UserID == "" {
			return fmt.Errorf("job %s: payload has no user", job.ID)
		}
		evctx := emitter.EventContext{UserID: p.UserID, HouseholdID: p.HouseholdID}
		data := map[string]any{"jobId": job.ID, "queue": queueName}
		if len(p.Params) > 0 {
			var params any
			if err := json.Unmarshal(p.Params, &params); err == nil {
				data["params"] = params
			}
		}
		if err := r.em.Emit(ctx, evctx, outcome.domain, outcome.event, data); err != nil {
			return fmt.Errorf("job %s: announce outcome: %w", job.ID, err)
		}
		r.logger.Debug("job handled", logpkg.Str("queue", queueName), logpkg.Str("job", job.ID))
		return nil
	}
}

// OnFailure returns the terminal-failure callback for one queue. It tells
// the job's owner their work was dropped.
func (r *Registry) OnFailure(queueName string) worker.FailureCallback {
	return func(job *queue.Job, jobErr error) {
		var p payload
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.UserID == "" {
			r.logger.Error("dropped job has no addressable owner",
				logpkg.Str("queue", queueName), logpkg.Str("job", job.ID), logpkg.Err(jobErr))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		evctx := emitter.EventContext{UserID: p.UserID, HouseholdID: p.HouseholdID}
		err := r.em.EmitByPolicy(ctx, emitter.PolicyOwner, evctx, "jobs", "failed", map[string]any{
			"jobId": job.ID,
			"queue": queueName,
			"error": jobErr.Error(),
		})
		if err != nil {
			r.logger.Error("failure notice publish failed", logpkg.Str("job", job.ID), logpkg.Err(err))
		}
	}
}
