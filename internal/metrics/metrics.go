// Package metrics exposes Prometheus instrumentation for the scheduler
// and the probe path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors the scheduler and API report into.
type Metrics struct {
	SchedulerTicks prometheus.Counter
	Runs           *prometheus.CounterVec
	LockConflicts  prometheus.Counter
	ProbeDuration  prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opspulse_scheduler_ticks_total",
			Help: "Number of completed scheduler ticks.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opspulse_runs_total",
			Help: "Routine runs recorded, by trigger and status.",
		}, []string{"trigger", "status"}),
		LockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opspulse_lock_conflicts_total",
			Help: "Lease acquisitions lost to another instance.",
		}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opspulse_probe_duration_seconds",
			Help:    "Wall time of outbound probe requests.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.SchedulerTicks, m.Runs, m.LockConflicts, m.ProbeDuration)
	return m
}

// NewTesting creates collectors on a private registry. Tests use this to
// avoid duplicate registration across cases.
func NewTesting() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveRun counts one recorded run.
func (m *Metrics) ObserveRun(trigger, status string) {
	m.Runs.WithLabelValues(trigger, status).Inc()
}
