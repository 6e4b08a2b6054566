package scanner

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/daosentry/daosentry/contracts/governor"
	"github.com/daosentry/daosentry/contracts/votingagent"
	"github.com/daosentry/daosentry/jobbus"
	"github.com/daosentry/daosentry/types"
)

// handleProposalCreated persists a new proposal and enqueues its
// analysis job. The per-proposal lock gates redundant scanner
// instances; the audit entry is appended only on first insert so event
// replay leaves the audit log untouched.
func (s *Service) handleProposalCreated(l gethtypes.Log) error {
	ev, err := governor.ParseProposalCreated(l)
	if err != nil {
		return err
	}
	onchainID := ev.ProposalId.String()

	locked, err := s.kv.AcquireProposalLock(s.ctx, onchainID)
	if err != nil {
		return err
	}
	if !locked {
		log.WithField("proposal", onchainID).Debug("Proposal lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := s.kv.ReleaseProposalLock(s.ctx, onchainID); err != nil {
			log.WithError(err).WithField("proposal", onchainID).Warn("Could not release proposal lock")
		}
	}()

	governorAddr := strings.ToLower(l.Address.Hex())
	targets := make([]string, len(ev.Targets))
	for i, t := range ev.Targets {
		targets[i] = strings.ToLower(t.Hex())
	}
	values := make([]string, len(ev.Values))
	for i, v := range ev.Values {
		values[i] = v.String()
	}
	calldatas := make([]string, len(ev.Calldatas))
	for i, c := range ev.Calldatas {
		calldatas[i] = hexutil.Encode(c)
	}

	stored, created, err := s.db.UpsertProposal(s.ctx, &types.Proposal{
		OnchainProposalID: onchainID,
		DAOGovernor:       governorAddr,
		ChainID:           s.cfg.chainID,
		Title:             ExtractTitle(ev.Description),
		Description:       ev.Description,
		Proposer:          strings.ToLower(ev.Proposer.Hex()),
		VotingStartBlock:  ev.StartBlock.Uint64(),
		VotingEndBlock:    ev.EndBlock.Uint64(),
		Targets:           targets,
		Values:            values,
		Calldatas:         calldatas,
		DetectedBlock:     l.BlockNumber,
		CreationTxHash:    l.TxHash.Hex(),
	})
	if err != nil {
		return errors.Wrap(err, "upsert proposal")
	}

	if created {
		proposalsDetected.Inc()
		txHash := l.TxHash.Hex()
		if err := s.db.AppendAudit(s.ctx, &types.AuditEntry{
			Action:      types.ActionProposalDetected,
			ProposalID:  &stored.ID,
			DAOGovernor: governorAddr,
			TxHash:      &txHash,
			Metadata: map[string]interface{}{
				"block":    l.BlockNumber,
				"proposer": stored.Proposer,
			},
		}); err != nil {
			return errors.Wrap(err, "append detection audit")
		}
		log.WithFields(logrus.Fields{
			"proposal": onchainID,
			"title":    stored.Title,
			"block":    l.BlockNumber,
		}).Info("New governance proposal detected")
	}

	// AddJob is idempotent on the internal id, so replayed events only
	// ever enqueue once.
	_, _, err = s.bus.AddJob(s.ctx, stored.ID, jobbus.JobPayload{
		OnchainProposalID: onchainID,
		DAOGovernor:       governorAddr,
		ChainID:           s.cfg.chainID,
		Proposer:          stored.Proposer,
		Title:             stored.Title,
		Description:       stored.Description,
		Metadata: map[string]string{
			"start_block":      ev.StartBlock.String(),
			"end_block":        ev.EndBlock.String(),
			"detected_block":   strconv.FormatUint(l.BlockNumber, 10),
			"creation_tx_hash": l.TxHash.Hex(),
		},
	}, jobbus.PriorityNormal)
	return errors.Wrap(err, "enqueue analysis job")
}

// handleDelegationGranted upserts a delegation to ACTIVE. An unchanged
// upsert from a re-delivered event appends no audit entry.
func (s *Service) handleDelegationGranted(l gethtypes.Log) error {
	ev, err := votingagent.ParseVotingPowerDelegated(l)
	if err != nil {
		return err
	}
	threshold := ev.RiskThreshold.Int64()
	if threshold < 0 || threshold > 100 {
		return errors.Errorf("risk threshold %d out of range", threshold)
	}
	delegator := strings.ToLower(ev.User.Hex())
	governorAddr := strings.ToLower(ev.DaoGovernor.Hex())

	stored, changed, err := s.db.UpsertDelegation(s.ctx, &types.Delegation{
		Delegator:       delegator,
		DAOGovernor:     governorAddr,
		ChainID:         s.cfg.chainID,
		RiskThreshold:   int(threshold),
		LastEventBlock:  l.BlockNumber,
		LastEventTxHash: l.TxHash.Hex(),
	})
	if err != nil {
		return errors.Wrap(err, "upsert delegation")
	}
	if !changed {
		return nil
	}

	delegationsGranted.Inc()
	txHash := l.TxHash.Hex()
	score := stored.RiskThreshold
	if err := s.db.AppendAudit(s.ctx, &types.AuditEntry{
		Action:      types.ActionDelegationGranted,
		DAOGovernor: governorAddr,
		Delegator:   &delegator,
		RiskScore:   &score,
		TxHash:      &txHash,
		Metadata:    map[string]interface{}{"block": l.BlockNumber},
	}); err != nil {
		return errors.Wrap(err, "append grant audit")
	}
	log.WithFields(logrus.Fields{
		"delegator": delegator,
		"dao":       governorAddr,
		"threshold": stored.RiskThreshold,
	}).Info("Voting power delegated")
	return nil
}

// handleDelegationRevoked transitions an active delegation to REVOKED.
// A revoke for an unknown delegation is logged and ignored.
func (s *Service) handleDelegationRevoked(l gethtypes.Log) error {
	ev, err := votingagent.ParseDelegationRevoked(l)
	if err != nil {
		return err
	}
	delegator := strings.ToLower(ev.User.Hex())
	governorAddr := strings.ToLower(ev.DaoGovernor.Hex())

	revoked, err := s.db.MarkDelegationRevoked(s.ctx, delegator, governorAddr, s.cfg.chainID, l.BlockNumber, l.TxHash.Hex())
	if err != nil {
		return errors.Wrap(err, "mark delegation revoked")
	}
	if !revoked {
		log.WithFields(logrus.Fields{
			"delegator": delegator,
			"dao":       governorAddr,
		}).Warn("Revoke event for unknown delegation, ignoring")
		return nil
	}

	delegationsRevoked.Inc()
	txHash := l.TxHash.Hex()
	if err := s.db.AppendAudit(s.ctx, &types.AuditEntry{
		Action:      types.ActionDelegationRevoked,
		DAOGovernor: governorAddr,
		Delegator:   &delegator,
		TxHash:      &txHash,
		Metadata:    map[string]interface{}{"block": l.BlockNumber},
	}); err != nil {
		return errors.Wrap(err, "append revoke audit")
	}
	log.WithFields(logrus.Fields{
		"delegator": delegator,
		"dao":       governorAddr,
	}).Info("Delegation revoked")
	return nil
}
