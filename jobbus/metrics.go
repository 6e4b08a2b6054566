package jobbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobbus_jobs_enqueued_total",
		Help: "Analysis jobs enqueued, by priority lane.",
	}, []string{"priority"})
	jobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobbus_jobs_completed_total",
		Help: "Analysis jobs completed successfully.",
	})
	jobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobbus_jobs_retried_total",
		Help: "Analysis job attempts scheduled for retry.",
	})
	jobsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobbus_jobs_exhausted_total",
		Help: "Analysis jobs that burned their full attempt budget.",
	})
	leasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobbus_leases_reclaimed_total",
		Help: "Stalled leases reclaimed by the sweeper.",
	})
)
