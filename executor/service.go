// Package executor closes the loop: it consumes completed analysis
// results from the pub/sub channel, joins them against active
// delegations under each user's risk threshold, casts on-chain votes
// in a single batch with individual fallback, and records every
// outcome in the append-only audit log.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/daosentry/daosentry/db"
	"github.com/daosentry/daosentry/jobbus"
	"github.com/daosentry/daosentry/kvstore"
)

var log = logrus.WithField("prefix", "executor")

// DefaultConcurrency bounds parallel result pipelines.
const DefaultConcurrency = 8

// DefaultDrainGrace bounds how long Stop waits for in-flight result
// pipelines before abandoning their writes.
const DefaultDrainGrace = 30 * time.Second

// Service is the vote executor. It owns the result subscription and
// the on-chain signer.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	// runCtx outlives ctx: a vote transaction already sent to the
	// chain must get its audit row and status transition even while
	// the listener is shutting down.
	runCtx    context.Context
	runCancel context.CancelFunc

	db          db.Database
	kv          *kvstore.Store
	bus         *jobbus.Bus
	contract    VoteContract
	signer      *bind.TransactOpts
	chainID     uint64
	concurrency int64
	drainGrace  time.Duration

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	exited chan struct{}
}

// NewService builds an executor from functional options. The database
// and kvstore are required; a missing signer or contract puts the
// executor in observer mode.
func NewService(ctx context.Context, opts ...Option) (*Service, error) {
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:         ctx,
		cancel:      cancel,
		runCtx:      runCtx,
		runCancel:   runCancel,
		concurrency: DefaultConcurrency,
		drainGrace:  DefaultDrainGrace,
		exited:      make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			cancel()
			runCancel()
			return nil, err
		}
	}
	if s.db == nil || s.kv == nil {
		cancel()
		runCancel()
		return nil, errors.New("executor requires database and kvstore")
	}
	if s.concurrency < 1 {
		cancel()
		runCancel()
		return nil, errors.Errorf("executor concurrency %d must be positive", s.concurrency)
	}
	s.sem = semaphore.NewWeighted(s.concurrency)
	if s.signer == nil || s.contract == nil {
		log.Warn("No signer configured, executor runs in observer mode")
	}
	return s, nil
}

// Start launches the result listener.
func (s *Service) Start() {
	log.WithField("concurrency", s.concurrency).Info("Starting vote executor")
	go s.listen()
}

// Stop halts the listener first so no new pipelines start, then lets
// in-flight result pipelines settle on runCtx before cancelling it.
func (s *Service) Stop() error {
	s.cancel()
	<-s.exited

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.drainGrace):
		log.Warn("In-flight result pipelines did not settle in time")
	}
	s.runCancel()
	log.Info("Vote executor stopped")
	return nil
}

// Status implements runtime.Service. The executor has no unhealthy
// steady state; pub/sub reconnection is handled by the Redis client.
func (s *Service) Status() error {
	return nil
}

// listen consumes the wildcard analysis events subscription and fans
// completed results out to bounded pipelines.
func (s *Service) listen() {
	defer close(s.exited)
	sub := s.kv.PSubscribe(s.ctx, kvstore.EventsPattern)
	defer func() {
		if err := sub.Close(); err != nil {
			log.WithError(err).Warn("Could not close result subscription")
		}
	}()
	ch := sub.Channel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// dispatch parses one pub/sub message and routes it. Malformed
// messages and unknown tags are logged and dropped.
func (s *Service) dispatch(channel string, payload []byte) {
	proposalID, err := kvstore.ParseEventsChannel(channel)
	if err != nil {
		log.WithError(err).Warn("Dropping message on unrecognized channel")
		return
	}
	ev, err := jobbus.ParseEvent(payload)
	if err != nil {
		log.WithError(err).WithField("proposal", proposalID).Warn("Dropping malformed analysis event")
		return
	}

	switch ev := ev.(type) {
	case jobbus.ProgressEvent:
		log.WithFields(logrus.Fields{
			"proposal": proposalID,
			"step":     ev.Step,
			"percent":  ev.ProgressPercent,
		}).Debug("Analysis progress")
	case jobbus.FailedEvent:
		s.handleWorkerFailure(proposalID, ev)
	case jobbus.CompleteEvent:
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			if err := s.processResult(proposalID, ev.Analysis); err != nil {
				log.WithError(err).WithField("proposal", proposalID).Error("Result pipeline failed")
			}
		}()
	}
}

// handleWorkerFailure settles a failed job attempt. The bus applies
// retry accounting; exhaustion is handled by its terminal callback.
func (s *Service) handleWorkerFailure(proposalID int64, ev jobbus.FailedEvent) {
	log.WithFields(logrus.Fields{
		"proposal": proposalID,
		"code":     ev.Code,
	}).Warn("Analysis worker reported failure")
	if s.bus == nil {
		return
	}
	if err := s.bus.FailJob(s.runCtx, proposalID, ev.Code+": "+ev.Message); err != nil {
		log.WithError(err).WithField("proposal", proposalID).Error("Could not record job failure")
	}
}
