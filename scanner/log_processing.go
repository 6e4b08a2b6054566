package scanner

import (
	"context"
	"math/big"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/daosentry/daosentry/contracts/governor"
	"github.com/daosentry/daosentry/contracts/votingagent"
)

// processPastLogs replays history from the cursor (or the configured
// floor) to the current head in windows of at most maxBlockBatch
// blocks. The cursor is committed once per completed window, so a crash
// replays only the last partial window. A window query failure aborts
// without advancing; the caller reconnects and resumes.
func (s *Service) processPastLogs(client ChainClient) error {
	cursor, ok, err := s.kv.LastScannedBlock(s.ctx)
	if err != nil {
		return err
	}
	from := s.cfg.startBlock
	if ok && cursor+1 > from {
		from = cursor + 1
	}

	headCtx, cancel := context.WithTimeout(s.ctx, s.cfg.rpcDeadline)
	head, err := client.BlockNumber(headCtx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "query chain head")
	}

	for from <= head {
		to := from + s.cfg.maxBlockBatch - 1
		if to > head {
			to = head
		}

		queryCtx, cancel := context.WithTimeout(s.ctx, s.cfg.rpcDeadline)
		logs, err := client.FilterLogs(queryCtx, s.filterQuery(
			new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
		cancel()
		if err != nil {
			return errors.Wrapf(err, "filter logs %d-%d", from, to)
		}

		log.WithFields(logrus.Fields{
			"fromBlock": from,
			"toBlock":   to,
			"logs":      len(logs),
		}).Info("Processing historical block window")

		for _, l := range logs {
			s.processLog(l)
		}
		if err := s.kv.SetLastScannedBlock(s.ctx, to); err != nil {
			return err
		}
		scanCursor.Set(float64(to))
		from = to + 1
	}
	return nil
}

// streamLiveLogs tails the subscription, running the same handlers as
// historical mode. The cursor advances per event because live delivery
// is serialized by the subscription channel.
func (s *Service) streamLiveLogs(client ChainClient) error {
	logChan := make(chan gethtypes.Log, 64)
	sub, err := client.SubscribeFilterLogs(s.ctx, s.filterQuery(nil, nil), logChan)
	if err != nil {
		return errors.Wrap(err, "subscribe filter logs")
	}
	defer sub.Unsubscribe()
	log.Info("Chain scanner is live")

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-sub.Err():
			return errors.Wrap(err, "log subscription")
		case l := <-logChan:
			s.processLog(l)
			if err := s.kv.SetLastScannedBlock(s.ctx, l.BlockNumber); err != nil {
				log.WithError(err).Error("Could not advance scan cursor")
			} else {
				scanCursor.Set(float64(l.BlockNumber))
			}
		}
	}
}

// processLog dispatches one log to its handler. Handler failures are
// logged and skipped so a single bad event cannot stall the scanner;
// a removed log from a reorg is ignored outright.
func (s *Service) processLog(l gethtypes.Log) {
	if l.Removed || len(l.Topics) == 0 {
		return
	}
	var err error
	switch l.Topics[0] {
	case governor.ProposalCreatedTopic:
		err = s.handleProposalCreated(l)
	case votingagent.VotingPowerDelegatedTopic:
		err = s.handleDelegationGranted(l)
	case votingagent.DelegationRevokedTopic:
		err = s.handleDelegationRevoked(l)
	default:
		return
	}
	if err != nil {
		handlerErrors.Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"block": l.BlockNumber,
			"tx":    l.TxHash.Hex(),
		}).Error("Event handler failed, skipping log")
	}
}
