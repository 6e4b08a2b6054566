// Package flags defines the command line options of the orchestrator.
package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

var (
	// RPCURLFlag is the chain RPC endpoint the scanner dials. A
	// websocket endpoint is required for the live log subscription.
	RPCURLFlag = &cli.StringFlag{
		Name:     "rpc-url",
		Usage:    "Websocket RPC endpoint of the chain to scan",
		Required: true,
	}
	// GovernorAddressFlag is the governor contract address.
	GovernorAddressFlag = &cli.StringFlag{
		Name:     "governor-address",
		Usage:    "Address of the DAO governor contract emitting ProposalCreated events",
		Required: true,
	}
	// VotingAgentAddressFlag is the voting-agent contract address.
	VotingAgentAddressFlag = &cli.StringFlag{
		Name:     "voting-agent-address",
		Usage:    "Address of the voting-agent contract handling delegations and votes",
		Required: true,
	}
	// BackendPrivateKeyFlag is the hex-encoded signer key. Voting is
	// disabled when absent.
	BackendPrivateKeyFlag = &cli.StringFlag{
		Name:  "backend-private-key",
		Usage: "Hex encoded private key for the vote signer; omit to run in observer mode",
	}
	// ChainIDFlag pins the expected network identifier.
	ChainIDFlag = &cli.Uint64Flag{
		Name:     "chain-id",
		Usage:    "Chain id the orchestrator operates on",
		Required: true,
	}
	// StartBlockFlag is the floor block for historical catch-up.
	StartBlockFlag = &cli.Uint64Flag{
		Name:  "start-block",
		Usage: "Lowest block to scan when no cursor exists",
	}
	// MaxBlockBatchFlag bounds one historical filter window.
	MaxBlockBatchFlag = &cli.Uint64Flag{
		Name:  "max-block-batch",
		Usage: "Maximum blocks per historical log query window",
		Value: 10000,
	}
	// ReconnectDelayFlag is the pause before re-dialing the RPC.
	ReconnectDelayFlag = &cli.DurationFlag{
		Name:  "reconnect-delay",
		Usage: "Delay before reconnecting after an RPC failure",
		Value: 5 * time.Second,
	}
	// ExecutorConcurrencyFlag bounds parallel result pipelines.
	ExecutorConcurrencyFlag = &cli.Int64Flag{
		Name:  "executor-concurrency",
		Usage: "Maximum analysis results processed in parallel",
		Value: 8,
	}
	// JobRetryAttemptsFlag is the analysis job attempt budget.
	JobRetryAttemptsFlag = &cli.IntFlag{
		Name:  "job-retry-attempts",
		Usage: "Attempts before an analysis job is terminally failed",
		Value: 3,
	}
	// JobStallTimeoutFlag is the lease heartbeat deadline.
	JobStallTimeoutFlag = &cli.DurationFlag{
		Name:  "job-stall-timeout",
		Usage: "Time without a heartbeat before a job lease is reclaimed",
		Value: 30 * time.Second,
	}
	// ShutdownGraceFlag bounds how long in-flight work may settle on
	// shutdown.
	ShutdownGraceFlag = &cli.DurationFlag{
		Name:  "shutdown-grace",
		Usage: "Grace period for in-flight transactions on shutdown",
		Value: 30 * time.Second,
	}
	// RPCDeadlineFlag bounds every outbound RPC call.
	RPCDeadlineFlag = &cli.DurationFlag{
		Name:  "rpc-deadline",
		Usage: "Deadline applied to each outbound RPC call",
		Value: 30 * time.Second,
	}
	// PostgresDSNFlag is the relational store connection string.
	PostgresDSNFlag = &cli.StringFlag{
		Name:     "postgres-dsn",
		Usage:    "Postgres connection string",
		Required: true,
	}
	// RedisAddrFlag is the Redis address for the kvstore and job bus.
	RedisAddrFlag = &cli.StringFlag{
		Name:  "redis-addr",
		Usage: "Redis host:port",
		Value: "localhost:6379",
	}
	// MonitoringPortFlag serves Prometheus metrics.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port for the Prometheus metrics endpoint, 0 disables it",
		Value: 8080,
	}
	// VerbosityFlag sets the logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error)",
		Value: "info",
	}
)

// Flags is the full flag set in display order.
var Flags = []cli.Flag{
	RPCURLFlag,
	GovernorAddressFlag,
	VotingAgentAddressFlag,
	BackendPrivateKeyFlag,
	ChainIDFlag,
	StartBlockFlag,
	MaxBlockBatchFlag,
	ReconnectDelayFlag,
	ExecutorConcurrencyFlag,
	JobRetryAttemptsFlag,
	JobStallTimeoutFlag,
	ShutdownGraceFlag,
	RPCDeadlineFlag,
	PostgresDSNFlag,
	RedisAddrFlag,
	MonitoringPortFlag,
	VerbosityFlag,
}
