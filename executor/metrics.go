package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executor_results_processed_total",
		Help: "Completed analysis results consumed from the events channel.",
	})
	votesCast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executor_votes_cast_total",
		Help: "Successful auto-votes, one per (proposal, delegator).",
	})
	votesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_votes_failed_total",
		Help: "Failed auto-vote attempts, by failure code.",
	}, []string{"code"})
	batchFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executor_batch_fallbacks_total",
		Help: "Batch vote calls that reverted and fell back to individual calls.",
	})
	highRiskFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "executor_high_risk_flags_total",
		Help: "Delegations excluded because the risk score exceeded their threshold.",
	})
)
