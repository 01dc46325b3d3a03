// Package metrics defines the Prometheus instruments shared by the realtime
// and jobs layers. A Metrics value is constructed once per process against an
// explicit registerer and handed to components; there is no package-level
// registry state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector used by the server.
type Metrics struct {
	Connections     prometheus.Gauge
	EventsPublished *prometheus.CounterVec
	EventsDelivered prometheus.Counter
	DecodeErrors    prometheus.Counter
	Invalidations   prometheus.Counter
	JobsEnqueued    *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	WorkerState     *prometheus.GaugeVec
}

// New registers all collectors against reg and returns them. Passing nil
// uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "norish", Subsystem: "realtime",
			Name: "connections",
			Help: "Currently registered realtime connections.",
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "norish", Subsystem: "realtime",
			Name: "events_published_total",
			Help: "Events published, labelled by audience scope.",
		}, []string{"scope"}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "norish", Subsystem: "realtime",
			Name: "events_delivered_total",
			Help: "Envelopes delivered to logical subscriptions.",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "norish", Subsystem: "realtime",
			Name: "decode_errors_total",
			Help: "Envelopes dropped because they failed to decode.",
		}),
		Invalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "norish", Subsystem: "realtime",
			Name: "invalidations_total",
			Help: "Cross-process invalidation messages handled.",
		}),
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "norish", Subsystem: "jobs",
			Name: "enqueued_total",
			Help: "Enqueue calls by queue and result (queued, duplicate, skipped).",
		}, []string{"queue", "result"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "norish", Subsystem: "jobs",
			Name: "finished_total",
			Help: "Processed jobs by queue and outcome (completed, retried, failed).",
		}, []string{"queue", "outcome"}),
		WorkerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "norish", Subsystem: "jobs",
			Name: "worker_state",
			Help: "Lazy worker state per queue (0 waiting, 1 running, 2 warm idle, 3 cold).",
		}, []string{"queue"}),
	}
}

// NewNop returns collectors bound to a throwaway registry. Useful in tests.
func NewNop() *Metrics { return New(prometheus.NewRegistry()) }
