package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proposalsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_proposals_detected_total",
		Help: "New governance proposals persisted from ProposalCreated events.",
	})
	delegationsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_delegations_granted_total",
		Help: "Delegation grants persisted from VotingPowerDelegated events.",
	})
	delegationsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_delegations_revoked_total",
		Help: "Delegation revocations persisted from DelegationRevoked events.",
	})
	handlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_handler_errors_total",
		Help: "Event handler failures that were logged and skipped.",
	})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanner_reconnects_total",
		Help: "RPC reconnect attempts after a connection failure.",
	})
	scanCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scanner_last_scanned_block",
		Help: "The durable scan cursor, the highest fully processed block.",
	})
)
