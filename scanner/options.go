package scanner

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/daosentry/daosentry/db"
	"github.com/daosentry/daosentry/jobbus"
	"github.com/daosentry/daosentry/kvstore"
)

// Option applies a configuration option to the scanner service.
type Option func(s *Service) error

// WithRPCEndpoint sets the chain RPC endpoint the scanner dials.
func WithRPCEndpoint(endpoint string) Option {
	return func(s *Service) error {
		s.cfg.rpcEndpoint = endpoint
		return nil
	}
}

// WithGovernorAddress sets the governor contract emitting
// ProposalCreated events.
func WithGovernorAddress(addr common.Address) Option {
	return func(s *Service) error {
		s.cfg.governorAddress = addr
		return nil
	}
}

// WithVotingAgentAddress sets the voting-agent contract emitting
// delegation events.
func WithVotingAgentAddress(addr common.Address) Option {
	return func(s *Service) error {
		s.cfg.votingAgentAddress = addr
		return nil
	}
}

// WithChainID pins the expected network. A mismatch on connect is a
// configuration error and terminal.
func WithChainID(id uint64) Option {
	return func(s *Service) error {
		s.cfg.chainID = id
		return nil
	}
}

// WithStartBlock sets the floor block for historical catch-up.
func WithStartBlock(block uint64) Option {
	return func(s *Service) error {
		s.cfg.startBlock = block
		return nil
	}
}

// WithMaxBlockBatch bounds the width of one historical filter window.
func WithMaxBlockBatch(n uint64) Option {
	return func(s *Service) error {
		s.cfg.maxBlockBatch = n
		return nil
	}
}

// WithReconnectDelay sets the pause before re-dialing after a
// connection failure.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Service) error {
		s.cfg.reconnectDelay = d
		return nil
	}
}

// WithRPCDeadline bounds every outbound RPC call.
func WithRPCDeadline(d time.Duration) Option {
	return func(s *Service) error {
		s.cfg.rpcDeadline = d
		return nil
	}
}

// WithDatabase wires the relational store.
func WithDatabase(database db.Database) Option {
	return func(s *Service) error {
		s.db = database
		return nil
	}
}

// WithKVStore wires the cursor and lock store.
func WithKVStore(kv *kvstore.Store) Option {
	return func(s *Service) error {
		s.kv = kv
		return nil
	}
}

// WithJobBus wires the analysis job queue.
func WithJobBus(bus *jobbus.Bus) Option {
	return func(s *Service) error {
		s.bus = bus
		return nil
	}
}

// WithDialer overrides how the scanner obtains a chain client. Tests
// install fakes here.
func WithDialer(dial DialFunc) Option {
	return func(s *Service) error {
		s.dial = dial
		return nil
	}
}
