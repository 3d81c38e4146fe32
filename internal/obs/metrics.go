package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the process-level Prometheus collectors. One instance is
// created in the composition root and registered once, here; the job
// engine and daemon supervisor record into it, and the composition root
// feeds the event bus collectors through the bus's hooks. SyncPendingCount
// is registered, but nothing in this module sets it.
type Metrics struct {
	JobsCreated      *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	ActiveDaemons    prometheus.Gauge
	BusSubscribers   prometheus.Gauge
	BusPublishTotal  *prometheus.CounterVec
	SyncPendingCount *prometheus.GaugeVec
}

// NewMetrics constructs and registers all collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stashhog",
			Name:      "jobs_created_total",
			Help:      "Total jobs created, by job type.",
		}, []string{"job_type"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stashhog",
			Name:      "jobs_completed_total",
			Help:      "Total jobs reaching a terminal state, by job type and status.",
		}, []string{"job_type", "status"}),
		ActiveDaemons: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stashhog",
			Name:      "active_daemons",
			Help:      "Number of daemons currently RUNNING.",
		}),
		BusSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stashhog",
			Name:      "eventbus_subscribers",
			Help:      "Number of attached event bus subscribers.",
		}),
		BusPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stashhog",
			Name:      "eventbus_publish_total",
			Help:      "Total events published, by topic kind.",
		}, []string{"topic_kind"}),
		SyncPendingCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stashhog",
			Name:      "sync_pending_count",
			Help:      "Last observed pending-sync count, by entity type.",
		}, []string{"entity_type"}),
	}

	reg.MustRegister(
		m.JobsCreated,
		m.JobsCompleted,
		m.ActiveDaemons,
		m.BusSubscribers,
		m.BusPublishTotal,
		m.SyncPendingCount,
	)
	return m
}
