// Package scanner implements the chain scanner: historical catch-up
// over bounded filter windows followed by a live log subscription, with
// automatic reconnection. Every relevant contract event is delivered to
// its handler at least once; the durable cursor in the kvstore records
// progress so a restart replays at most one partial window.
package scanner

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/daosentry/daosentry/contracts/governor"
	"github.com/daosentry/daosentry/contracts/votingagent"
	"github.com/daosentry/daosentry/db"
	"github.com/daosentry/daosentry/jobbus"
	"github.com/daosentry/daosentry/kvstore"
)

var log = logrus.WithField("prefix", "scanner")

// State is the scanner's lifecycle state.
type State string

const (
	Stopped           State = "stopped"
	Starting          State = "starting"
	SyncingHistorical State = "syncing_historical"
	Live              State = "live"
	Reconnecting      State = "reconnecting"
	Errored           State = "errored"
)

// ChainClient is the RPC surface the scanner consumes. *ethclient.Client
// satisfies it; tests install fakes.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
	Close()
}

// DialFunc opens a chain client for an endpoint.
type DialFunc func(ctx context.Context, endpoint string) (ChainClient, error)

func defaultDial(ctx context.Context, endpoint string) (ChainClient, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "dial rpc endpoint")
	}
	return client, nil
}

type serviceConfig struct {
	rpcEndpoint        string
	governorAddress    common.Address
	votingAgentAddress common.Address
	chainID            uint64
	startBlock         uint64
	maxBlockBatch      uint64
	reconnectDelay     time.Duration
	rpcDeadline        time.Duration
}

// Service scans the governor and voting-agent contracts for events and
// feeds the relational store and the analysis job bus.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *serviceConfig
	db     db.Database
	kv     *kvstore.Store
	bus    *jobbus.Bus
	dial   DialFunc

	mu       sync.RWMutex
	state    State
	runError error

	exited chan struct{}
}

// NewService builds a scanner from functional options. The database,
// kvstore, job bus and endpoint are required.
func NewService(ctx context.Context, opts ...Option) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:    ctx,
		cancel: cancel,
		cfg: &serviceConfig{
			maxBlockBatch:  10000,
			reconnectDelay: 5 * time.Second,
			rpcDeadline:    30 * time.Second,
		},
		dial:   defaultDial,
		state:  Stopped,
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			cancel()
			return nil, err
		}
	}
	if s.cfg.rpcEndpoint == "" {
		cancel()
		return nil, errors.New("scanner requires an rpc endpoint")
	}
	if s.db == nil || s.kv == nil || s.bus == nil {
		cancel()
		return nil, errors.New("scanner requires database, kvstore and job bus")
	}
	return s, nil
}

// Start launches the scan loop.
func (s *Service) Start() {
	log.WithField("endpoint", s.cfg.rpcEndpoint).Info("Starting chain scanner")
	go s.run()
}

// Stop halts the scanner and waits for the scan loop to exit.
func (s *Service) Stop() error {
	s.cancel()
	<-s.exited
	s.setState(Stopped)
	log.Info("Chain scanner stopped")
	return nil
}

// Status reports the terminal configuration error, if any. Transient
// connection trouble is not an unhealthy status; the scanner is
// reconnecting on its own.
func (s *Service) Status() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == Errored {
		return s.runError
	}
	return nil
}

// CurrentState returns the lifecycle state for introspection.
func (s *Service) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Service) setTerminalError(err error) {
	s.mu.Lock()
	s.state = Errored
	s.runError = err
	s.mu.Unlock()
}

// run is the connect/sync/subscribe loop. Any connection failure drops
// back to reconnecting and re-dials after the configured delay; only an
// invalid configuration is terminal.
func (s *Service) run() {
	defer close(s.exited)
	for {
		if s.ctx.Err() != nil {
			return
		}
		s.setState(Starting)
		client, err := s.connect()
		if err != nil {
			if isConfigError(err) {
				log.WithError(err).Error("Scanner configuration is invalid")
				s.setTerminalError(err)
				return
			}
			if !s.backoff(err) {
				return
			}
			continue
		}

		err = s.scan(client)
		client.Close()
		if err == nil || s.ctx.Err() != nil {
			return
		}
		if !s.backoff(err) {
			return
		}
	}
}

// connect dials the endpoint and verifies the network identifier.
func (s *Service) connect() (ChainClient, error) {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.rpcDeadline)
	defer cancel()
	client, err := s.dial(dialCtx, s.cfg.rpcEndpoint)
	if err != nil {
		return nil, err
	}
	idCtx, cancel := context.WithTimeout(s.ctx, s.cfg.rpcDeadline)
	defer cancel()
	id, err := client.ChainID(idCtx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "query chain id")
	}
	if s.cfg.chainID != 0 && id.Uint64() != s.cfg.chainID {
		client.Close()
		return nil, errors.WithStack(&configError{errors.Errorf(
			"endpoint serves chain %d, configured for chain %d", id.Uint64(), s.cfg.chainID)})
	}
	return client, nil
}

// scan performs historical catch-up and then tails the live
// subscription until the context is cancelled or the connection drops.
func (s *Service) scan(client ChainClient) error {
	s.setState(SyncingHistorical)
	if err := s.processPastLogs(client); err != nil {
		return err
	}
	s.setState(Live)
	return s.streamLiveLogs(client)
}

// backoff waits out the reconnect delay. Returns false when shutdown
// interrupted the wait.
func (s *Service) backoff(err error) bool {
	reconnects.Inc()
	s.setState(Reconnecting)
	log.WithError(err).WithField("delay", s.cfg.reconnectDelay).Warn("Scanner connection lost, reconnecting")
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(s.cfg.reconnectDelay):
		return true
	}
}

// filterQuery matches the three event signatures across both contracts.
func (s *Service) filterQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{s.cfg.governorAddress, s.cfg.votingAgentAddress},
		Topics: [][]common.Hash{{
			governor.ProposalCreatedTopic,
			votingagent.VotingPowerDelegatedTopic,
			votingagent.DelegationRevokedTopic,
		}},
	}
}

type configError struct{ error }

func isConfigError(err error) bool {
	var ce *configError
	return errors.As(err, &ce)
}
