package aggregate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the aggregation subsystem.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	EventsProcessed prometheus.Counter
	AlertsCreated   prometheus.Counter
	AlertsMerged    prometheus.Counter
	AlertsShielded  prometheus.Counter
	AlertsAssigned  prometheus.Counter
	AlertsClosed    prometheus.Counter
	GroupErrors     prometheus.Counter
}

// NewMetrics registers and returns aggregation metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "klaxon_runs_total",
			Help: "Total engine runs by job and outcome.",
		}, []string{"job", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klaxon_run_duration_seconds",
			Help:    "Duration of engine runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		}, []string{"job"}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_events_processed_total",
			Help: "Total events folded into alerts.",
		}),
		AlertsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_created_total",
			Help: "Total alerts created.",
		}),
		AlertsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_merged_total",
			Help: "Total merges into existing alerts.",
		}),
		AlertsShielded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_shielded_total",
			Help: "Total alerts suppressed by a shield.",
		}),
		AlertsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_assigned_total",
			Help: "Total alerts escalated to a channel.",
		}),
		AlertsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_alerts_closed_total",
			Help: "Total alerts closed (auto-close, stale rollover, cohorts).",
		}),
		GroupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klaxon_group_errors_total",
			Help: "Per-fingerprint group failures recovered within a run.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.EventsProcessed,
		m.AlertsCreated,
		m.AlertsMerged,
		m.AlertsShielded,
		m.AlertsAssigned,
		m.AlertsClosed,
		m.GroupErrors,
	)

	return m
}

// observeRun is nil-safe so tests can run without a registry.
func (m *Metrics) observeRun(job, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(job, outcome).Inc()
	m.RunDuration.WithLabelValues(job).Observe(seconds)
}

func (m *Metrics) observeSummary(s RunSummary) {
	if m == nil {
		return
	}
	m.EventsProcessed.Add(float64(s.Processed))
	m.AlertsCreated.Add(float64(s.Created))
	m.AlertsMerged.Add(float64(s.Merged))
	m.AlertsShielded.Add(float64(s.Shielded))
	m.AlertsAssigned.Add(float64(s.Assigned))
	m.AlertsClosed.Add(float64(s.Closed))
	m.GroupErrors.Add(float64(s.Errors))
}
