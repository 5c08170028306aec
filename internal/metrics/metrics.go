// Package metrics exposes pipeline counters for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mattjoyce/tracklog/internal/plan"
)

// Collectors holds every tracklog metric. Register once per process.
type Collectors struct {
	// outstanding is the size of the latest work-list per stage
	outstanding *prometheus.GaugeVec

	// skipped counts inputs planners excluded, by reason
	skipped *prometheus.CounterVec

	// runs counts stage runs by terminal state
	runs *prometheus.CounterVec

	// duration tracks how long executors ran
	duration *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg means the default registry.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collectors{
		outstanding: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracklog_outstanding_files",
			Help: "Files in the most recent work-list, by stage",
		}, []string{"stage"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracklog_skipped_files_total",
			Help: "Inputs excluded by planners, by stage and reason",
		}, []string{"stage", "reason"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracklog_stage_runs_total",
			Help: "Stage runs by stage and terminal state",
		}, []string{"stage", "state"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracklog_stage_duration_seconds",
			Help:    "Executor wall time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68m
		}, []string{"stage"}),
	}
}

// ObservePlan records the size and skip counts of a fresh work-list.
func (c *Collectors) ObservePlan(wl plan.WorkList) {
	stage := string(wl.Stage())
	c.outstanding.WithLabelValues(stage).Set(float64(wl.Len()))
	for reason, n := range wl.Skipped() {
		c.skipped.WithLabelValues(stage, reason).Add(float64(n))
	}
}

// ObserveRun implements stage.Observer.
func (c *Collectors) ObserveRun(stage, state string, d time.Duration) {
	c.runs.WithLabelValues(stage, state).Inc()
	if d > 0 {
		c.duration.WithLabelValues(stage).Observe(d.Seconds())
	}
}
