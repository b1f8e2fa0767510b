// Package metrics defines the prometheus collectors exported by the store
// and its scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "regionstore"

// Task outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomePanic     = "panic"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Metrics holds every collector. The zero value is not usable; use New.
type Metrics struct {
	Tasks        *prometheus.CounterVec
	TaskLatency  *prometheus.HistogramVec
	QueueDepth   *prometheus.GaugeVec
	Regions      prometheus.Gauge
	RegionBytes  *prometheus.GaugeVec
	IOBytes      *prometheus.CounterVec
	IOFailures   *prometheus.CounterVec
	Merges       *prometheus.CounterVec
	Evictions    *prometheus.CounterVec
	SaveThrottle prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks run by the scheduler, by pool and outcome.",
		}, []string{"pool", "outcome"}),
		TaskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time by pool.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"pool"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting per pool.",
		}, []string{"pool"}),
		Regions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "regions",
			Help:      "Region containers held in memory.",
		}),
		RegionBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_bytes",
			Help:      "Estimated in-memory bytes by layer group, as of the last cleanup.",
		}, []string{"group"}),
		IOBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_bytes_total",
			Help:      "Compressed bytes read and written.",
		}, []string{"op"}),
		IOFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_failures_total",
			Help:      "Failed region loads and saves.",
		}, []string{"op"}),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Disk copies merged into memory, by the side that supplied data.",
		}, []string{"side"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Resources released by cleanup, by resource class.",
		}, []string{"resource"}),
		SaveThrottle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_throttled_total",
			Help:      "Saves delayed by write pacing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Tasks, m.TaskLatency, m.QueueDepth, m.Regions, m.RegionBytes,
			m.IOBytes, m.IOFailures, m.Merges, m.Evictions, m.SaveThrottle)
	}
	return m
}
