package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jobs"

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	JobsTotal        *prometheus.CounterVec   // labels: type, status
	JobDuration      *prometheus.HistogramVec // labels: type
	ActiveJobs       *prometheus.GaugeVec     // labels: type
	Retries          *prometheus.CounterVec   // labels: type
	ExternalAPICalls *prometheus.CounterVec   // labels: provider, status
	CacheLookups     *prometheus.CounterVec   // labels: artifact, result
	EventsDropped    prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "total",
			Help:      "Jobs reaching a terminal status",
		}, []string{"type", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Time from first claim to terminal status",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"type"}),
		ActiveJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active",
			Help:      "Jobs currently executing",
		}, []string{"type"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Attempts scheduled for retry",
		}, []string{"type"}),
		ExternalAPICalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "external_api_calls_total",
			Help: "Calls to external providers",
		}, []string{"provider", "status"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Artifact cache lookups",
		}, []string{"artifact", "result"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Realtime events that could not be published",
		}),
	}
}

func (m *Metrics) JobStarted(jobType string) {
	if m == nil {
		return
	}
	m.ActiveJobs.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobStopped(jobType string) {
	if m == nil {
		return
	}
	m.ActiveJobs.WithLabelValues(jobType).Dec()
}

func (m *Metrics) JobFinished(jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(jobType, status).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (m *Metrics) JobRetried(jobType string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(jobType).Inc()
}

func (m *Metrics) APICall(provider string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ExternalAPICalls.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) CacheLookup(artifact string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(artifact, result).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
