package executor

import (
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"

	"github.com/daosentry/daosentry/db"
	"github.com/daosentry/daosentry/jobbus"
	"github.com/daosentry/daosentry/kvstore"
)

// Option applies a configuration option to the executor service.
type Option func(s *Service) error

// WithDatabase wires the relational store.
func WithDatabase(database db.Database) Option {
	return func(s *Service) error {
		s.db = database
		return nil
	}
}

// WithKVStore wires the pub/sub transport and result cache.
func WithKVStore(kv *kvstore.Store) Option {
	return func(s *Service) error {
		s.kv = kv
		return nil
	}
}

// WithJobBus wires the analysis job bus so consumed results settle
// their jobs.
func WithJobBus(bus *jobbus.Bus) Option {
	return func(s *Service) error {
		s.bus = bus
		return nil
	}
}

// WithVoteContract wires the voting-agent contract binding. Tests
// install mocks here.
func WithVoteContract(contract VoteContract) Option {
	return func(s *Service) error {
		s.contract = contract
		return nil
	}
}

// WithSigner sets the transaction signer. Without one the executor
// runs in observer mode and casts no votes.
func WithSigner(signer *bind.TransactOpts) Option {
	return func(s *Service) error {
		s.signer = signer
		return nil
	}
}

// WithChainID pins the network the executor records votes for.
func WithChainID(id uint64) Option {
	return func(s *Service) error {
		s.chainID = id
		return nil
	}
}

// WithConcurrency bounds how many results are processed in parallel.
func WithConcurrency(n int64) Option {
	return func(s *Service) error {
		s.concurrency = n
		return nil
	}
}

// WithDrainGrace bounds how long Stop waits for in-flight result
// pipelines to settle.
func WithDrainGrace(d time.Duration) Option {
	return func(s *Service) error {
		s.drainGrace = d
		return nil
	}
}
