// Package node is the composition root. It builds every component from
// the validated configuration, wires them together, and owns the
// process lifecycle including graceful shutdown ordering: the scanner
// stops accepting new events before the executor stops accepting
// results, so nothing in flight is dropped.
package node

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/daosentry/daosentry/config"
	"github.com/daosentry/daosentry/contracts/votingagent"
	"github.com/daosentry/daosentry/db"
	"github.com/daosentry/daosentry/executor"
	"github.com/daosentry/daosentry/jobbus"
	"github.com/daosentry/daosentry/kvstore"
	"github.com/daosentry/daosentry/runtime"
	"github.com/daosentry/daosentry/scanner"
	"github.com/daosentry/daosentry/types"
)

var log = logrus.WithField("prefix", "node")

// Orchestrator is the assembled process.
type Orchestrator struct {
	cfg      *config.Config
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry

	db  db.Database
	kv  *kvstore.Store
	bus *jobbus.Bus

	metricsSrv *http.Server

	lock sync.Mutex
	stop chan struct{}
}

// New builds an orchestrator from parsed command line flags.
func New(cliCtx *cli.Context) (*Orchestrator, error) {
	cfg, err := config.FromCLI(cliCtx)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(cfg.Verbosity)

	ctx, cancel := context.WithCancel(cliCtx.Context)
	o := &Orchestrator{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	if err := o.openStores(); err != nil {
		cancel()
		return nil, err
	}
	if err := o.registerExecutor(); err != nil {
		cancel()
		return nil, err
	}
	if err := o.registerScanner(); err != nil {
		cancel()
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) openStores() error {
	store, err := db.Open(o.ctx, o.cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	if err := store.Migrate(o.ctx); err != nil {
		return errors.Wrap(err, "migrate database")
	}
	o.db = store

	o.kv = kvstore.New(o.cfg.RedisAddr, "", 0)
	if err := o.kv.Ping(o.ctx); err != nil {
		return errors.Wrap(err, "connect to redis")
	}

	o.bus = jobbus.New(o.kv.Client(),
		jobbus.WithRetryAttempts(o.cfg.JobRetryAttempts),
		jobbus.WithStallTimeout(o.cfg.JobStallTimeout),
		jobbus.WithExhaustedHandler(o.onJobExhausted),
	)
	return nil
}

// onJobExhausted is the job bus terminal-failure callback: the
// proposal is moved to FAILED and the exhaustion is audited.
func (o *Orchestrator) onJobExhausted(ctx context.Context, job *jobbus.Job, reason string) {
	proposal, err := o.db.Proposal(ctx, job.ID)
	if err != nil || proposal == nil {
		log.WithError(err).WithField("job", job.ID).Error("Could not load proposal for exhausted job")
		return
	}
	if _, err := o.db.TransitionProposalStatus(ctx, proposal.ID,
		[]types.ProposalStatus{types.StatusPendingAnalysis, types.StatusAnalyzing}, types.StatusFailed); err != nil {
		log.WithError(err).WithField("proposal", proposal.ID).Error("Could not fail proposal")
		return
	}
	if err := o.db.AppendAudit(ctx, &types.AuditEntry{
		Action:      types.ActionAutoVoteFailed,
		ProposalID:  &proposal.ID,
		DAOGovernor: proposal.DAOGovernor,
		Metadata: map[string]interface{}{
			"reason":   "analysis_retries_exhausted",
			"detail":   reason,
			"attempts": job.Attempts,
		},
	}); err != nil {
		log.WithError(err).WithField("proposal", proposal.ID).Error("Could not audit exhausted job")
	}
}

func (o *Orchestrator) registerExecutor() error {
	opts := []executor.Option{
		executor.WithDatabase(o.db),
		executor.WithKVStore(o.kv),
		executor.WithJobBus(o.bus),
		executor.WithChainID(o.cfg.ChainID),
		executor.WithConcurrency(o.cfg.ExecutorConcurrency),
		executor.WithDrainGrace(o.cfg.ShutdownGrace),
	}
	if o.cfg.PrivateKey != nil {
		client, err := ethclient.DialContext(o.ctx, o.cfg.RPCURL)
		if err != nil {
			return errors.Wrap(err, "dial rpc for vote signer")
		}
		signer, err := bind.NewKeyedTransactorWithChainID(o.cfg.PrivateKey, new(big.Int).SetUint64(o.cfg.ChainID))
		if err != nil {
			return errors.Wrap(err, "build vote signer")
		}
		opts = append(opts,
			executor.WithVoteContract(votingagent.NewAgent(o.cfg.VotingAgentAddress, client)),
			executor.WithSigner(signer),
		)
	}
	svc, err := executor.NewService(o.ctx, opts...)
	if err != nil {
		return err
	}
	return o.services.RegisterService(svc)
}

func (o *Orchestrator) registerScanner() error {
	svc, err := scanner.NewService(o.ctx,
		scanner.WithRPCEndpoint(o.cfg.RPCURL),
		scanner.WithGovernorAddress(o.cfg.GovernorAddress),
		scanner.WithVotingAgentAddress(o.cfg.VotingAgentAddress),
		scanner.WithChainID(o.cfg.ChainID),
		scanner.WithStartBlock(o.cfg.StartBlock),
		scanner.WithMaxBlockBatch(o.cfg.MaxBlockBatch),
		scanner.WithReconnectDelay(o.cfg.ReconnectDelay),
		scanner.WithRPCDeadline(o.cfg.RPCDeadline),
		scanner.WithDatabase(o.db),
		scanner.WithKVStore(o.kv),
		scanner.WithJobBus(o.bus),
	)
	if err != nil {
		return err
	}
	return o.services.RegisterService(svc)
}

// Start launches every service and blocks until a shutdown signal.
func (o *Orchestrator) Start() {
	o.lock.Lock()
	log.WithField("chainId", o.cfg.ChainID).Info("Starting orchestrator")
	o.bus.StartSweeper()
	o.services.StartAll()
	o.startMetrics()

	stop := o.stop
	o.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Shutdown signal received")
		go o.Close()

		// A second signal or an overrun grace period forces exit.
		select {
		case <-sigc:
			log.Warn("Forcing shutdown")
		case <-time.After(o.cfg.ShutdownGrace):
			log.Warn("Shutdown grace period exceeded, forcing exit")
		case <-stop:
			return
		}
		os.Exit(1)
	}()

	<-stop
}

// Close stops every service in reverse registration order: the scanner
// first so no new events are accepted, the executor last so in-flight
// results settle.
func (o *Orchestrator) Close() {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.services.StopAll()
	o.bus.Stop()
	if o.metricsSrv != nil {
		if err := o.metricsSrv.Close(); err != nil {
			log.WithError(err).Warn("Could not close metrics server")
		}
	}
	if err := o.kv.Close(); err != nil {
		log.WithError(err).Warn("Could not close redis connection")
	}
	if err := o.db.Close(); err != nil {
		log.WithError(err).Warn("Could not close database")
	}
	o.cancel()
	close(o.stop)
	log.Info("Orchestrator stopped")
}

func (o *Orchestrator) startMetrics() {
	if o.cfg.MonitoringPort == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	o.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.cfg.MonitoringPort),
		Handler: mux,
	}
	go func() {
		log.WithField("port", o.cfg.MonitoringPort).Info("Serving metrics")
		if err := o.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
}
