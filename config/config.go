// Package config turns command line flags into a validated runtime
// configuration. Validation is strict: a malformed address or key is a
// startup failure, never a warning.
package config

import (
	"crypto/ecdsa"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/daosentry/daosentry/cmd/orchestrator/flags"
)

// Config is the validated orchestrator configuration.
type Config struct {
	RPCURL              string
	GovernorAddress     common.Address
	VotingAgentAddress  common.Address
	PrivateKey          *ecdsa.PrivateKey // nil disables voting
	ChainID             uint64
	StartBlock          uint64
	MaxBlockBatch       uint64
	ReconnectDelay      time.Duration
	ExecutorConcurrency int64
	JobRetryAttempts    int
	JobStallTimeout     time.Duration
	ShutdownGrace       time.Duration
	RPCDeadline         time.Duration
	PostgresDSN         string
	RedisAddr           string
	MonitoringPort      int
	Verbosity           logrus.Level
}

// FromCLI builds and validates a Config from parsed flags.
func FromCLI(ctx *cli.Context) (*Config, error) {
	cfg := &Config{
		RPCURL:              ctx.String(flags.RPCURLFlag.Name),
		ChainID:             ctx.Uint64(flags.ChainIDFlag.Name),
		StartBlock:          ctx.Uint64(flags.StartBlockFlag.Name),
		MaxBlockBatch:       ctx.Uint64(flags.MaxBlockBatchFlag.Name),
		ReconnectDelay:      ctx.Duration(flags.ReconnectDelayFlag.Name),
		ExecutorConcurrency: ctx.Int64(flags.ExecutorConcurrencyFlag.Name),
		JobRetryAttempts:    ctx.Int(flags.JobRetryAttemptsFlag.Name),
		JobStallTimeout:     ctx.Duration(flags.JobStallTimeoutFlag.Name),
		ShutdownGrace:       ctx.Duration(flags.ShutdownGraceFlag.Name),
		RPCDeadline:         ctx.Duration(flags.RPCDeadlineFlag.Name),
		PostgresDSN:         ctx.String(flags.PostgresDSNFlag.Name),
		RedisAddr:           ctx.String(flags.RedisAddrFlag.Name),
		MonitoringPort:      ctx.Int(flags.MonitoringPortFlag.Name),
	}

	if cfg.RPCURL == "" {
		return nil, errors.New("rpc-url is required")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chain-id must be positive")
	}
	if cfg.MaxBlockBatch == 0 {
		return nil, errors.New("max-block-batch must be positive")
	}
	if cfg.ExecutorConcurrency < 1 {
		return nil, errors.New("executor-concurrency must be positive")
	}
	if cfg.JobRetryAttempts < 1 {
		return nil, errors.New("job-retry-attempts must be positive")
	}
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres-dsn is required")
	}

	var err error
	cfg.GovernorAddress, err = parseAddress(ctx.String(flags.GovernorAddressFlag.Name), "governor-address")
	if err != nil {
		return nil, err
	}
	cfg.VotingAgentAddress, err = parseAddress(ctx.String(flags.VotingAgentAddressFlag.Name), "voting-agent-address")
	if err != nil {
		return nil, err
	}

	if raw := ctx.String(flags.BackendPrivateKeyFlag.Name); raw != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, errors.Wrap(err, "malformed backend-private-key")
		}
		cfg.PrivateKey = key
	}

	cfg.Verbosity, err = logrus.ParseLevel(ctx.String(flags.VerbosityFlag.Name))
	if err != nil {
		return nil, errors.Wrap(err, "malformed verbosity")
	}
	return cfg, nil
}

func parseAddress(raw, flagName string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.Errorf("%s %q is not a valid address", flagName, raw)
	}
	return common.HexToAddress(raw), nil
}
