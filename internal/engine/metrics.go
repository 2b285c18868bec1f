package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/loom/internal/model"
)

var (
	jobsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_jobs_created_total",
			Help: "Total number of jobs admitted by the scheduler.",
		},
	)

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_cache_hits_total",
			Help: "Total number of job submissions satisfied from the result cache.",
		},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal stage.",
		},
		[]string{"stage"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_job_duration_seconds",
			Help:    "Duration from job admission to terminal stage, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	jobsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_jobs_reaped_total",
			Help: "Total number of expired jobs removed by the reaper.",
		},
	)

	watchSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_watch_subscribers",
			Help: "Number of currently connected job watchers.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsCreated)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(jobsFinished)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(jobsReaped)
	prometheus.MustRegister(watchSubscribers)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, stage := range []model.Stage{model.StageSucceeded, model.StageFailed, model.StageCancelled} {
		jobsFinished.WithLabelValues(string(stage))
	}
}
