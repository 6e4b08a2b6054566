package executor

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/daosentry/daosentry/jobbus"
	"github.com/daosentry/daosentry/types"
)

// VoteContract is the voting-agent surface the executor calls.
// *votingagent.Agent satisfies it; tests install mocks.
type VoteContract interface {
	CastVoteWithRisk(opts *bind.TransactOpts, dao common.Address, proposalID *big.Int,
		user common.Address, support uint8, riskScore *big.Int, reportHash [32]byte) (*gethtypes.Transaction, error)
	CastMultipleVotes(opts *bind.TransactOpts, dao common.Address, proposalIDs []*big.Int,
		users []common.Address, supports []uint8, riskScores []*big.Int, reportHashes [][32]byte) (*gethtypes.Transaction, error)
}

// processResult runs the full per-result pipeline for one completed
// analysis: persist it, partition delegations, cast votes, audit
// everything, and move the proposal to its terminal status.
func (s *Service) processResult(proposalID int64, res jobbus.AnalysisResult) error {
	resultsProcessed.Inc()

	proposal, err := s.db.Proposal(s.runCtx, proposalID)
	if err != nil {
		return err
	}
	if proposal == nil {
		log.WithField("proposal", proposalID).Warn("Result for unknown proposal, dropping stale event")
		return nil
	}
	if proposal.Status != types.StatusPendingAnalysis && proposal.Status != types.StatusAnalyzing {
		log.WithFields(logrus.Fields{
			"proposal": proposal.OnchainProposalID,
			"status":   proposal.Status,
		}).Debug("Proposal already processed, ignoring re-delivered result")
		if s.bus != nil {
			if err := s.bus.CompleteJob(s.runCtx, proposal.ID); err != nil {
				log.WithError(err).Warn("Could not settle analysis job")
			}
		}
		return nil
	}

	reportHash, err := res.ReportHashBytes()
	if err != nil {
		return errors.Wrap(err, "invalid report hash")
	}
	analysisID := res.AnalysisID
	if analysisID == "" {
		analysisID = uuid.NewString()
	}

	// SaveAnalysis is the arbiter under re-delivery: once the proposal
	// left PENDING_ANALYSIS the stored row wins and is returned.
	stored, err := s.db.SaveAnalysis(s.runCtx, &types.Analysis{
		AnalysisID:         analysisID,
		ProposalID:         proposalID,
		CompositeRiskScore: int(math.Round(res.CompositeRiskScore)),
		RiskLevel:          types.RiskLevel(res.RiskLevel),
		Recommendation:     types.Recommendation(res.Recommendation),
		ReportHash:         reportHash,
		ProcessingTimeMs:   res.ProcessingTimeMs,
		ModelVersion:       res.ModelVersion,
	})
	if err != nil {
		return errors.Wrap(err, "save analysis")
	}

	score := stored.CompositeRiskScore
	direction := DecideDirection(stored.Recommendation, score)
	final := FinalStatus(stored.Recommendation, score)

	delegations, err := s.db.ListActiveDelegations(s.runCtx, proposal.DAOGovernor, proposal.ChainID)
	if err != nil {
		return errors.Wrap(err, "list delegations")
	}
	eligible, highRisk := PartitionDelegations(score, delegations)

	if err := s.flagHighRisk(proposal, highRisk, score); err != nil {
		return err
	}

	// Re-delivered complete events must cast zero additional votes.
	pending := make([]*types.Delegation, 0, len(eligible))
	for _, d := range eligible {
		voted, err := s.db.HasSuccessfulAutoVote(s.runCtx, proposal.ID, d.Delegator)
		if err != nil {
			return errors.Wrap(err, "check prior auto vote")
		}
		if !voted {
			pending = append(pending, d)
		}
	}

	switch {
	case len(pending) == 0:
		if err := s.recordNoVotes(proposal, score, "no_eligible_delegations"); err != nil {
			return err
		}
	case s.signer == nil || s.contract == nil:
		if err := s.recordNoVotes(proposal, score, "observer_mode"); err != nil {
			return err
		}
	default:
		if err := s.castVotes(proposal, stored, pending, direction, res.CompositeRiskScore); err != nil {
			return err
		}
	}

	moved, err := s.db.TransitionProposalStatus(s.runCtx, proposal.ID,
		[]types.ProposalStatus{types.StatusPendingAnalysis, types.StatusAnalyzing}, final)
	if err != nil {
		return errors.Wrap(err, "transition proposal status")
	}
	if moved {
		log.WithFields(logrus.Fields{
			"proposal": proposal.OnchainProposalID,
			"status":   final,
			"score":    score,
		}).Info("Proposal processed")
	}

	if s.bus != nil {
		if err := s.bus.CompleteJob(s.runCtx, proposal.ID); err != nil {
			log.WithError(err).WithField("proposal", proposal.ID).Warn("Could not settle analysis job")
		}
	}
	return nil
}

// flagHighRisk appends one HIGH_RISK_FLAGGED entry per excluded
// delegation.
func (s *Service) flagHighRisk(proposal *types.Proposal, flagged []*types.Delegation, score int) error {
	if len(flagged) == 0 {
		return nil
	}
	entries := make([]*types.AuditEntry, 0, len(flagged))
	for _, d := range flagged {
		delegator := d.Delegator
		riskScore := score
		entries = append(entries, &types.AuditEntry{
			Action:      types.ActionHighRiskFlagged,
			ProposalID:  &proposal.ID,
			DAOGovernor: proposal.DAOGovernor,
			Delegator:   &delegator,
			RiskScore:   &riskScore,
			Metadata:    map[string]interface{}{"risk_threshold": d.RiskThreshold},
		})
		highRiskFlags.Inc()
	}
	return errors.Wrap(s.db.BulkAppendAudit(s.runCtx, entries), "append high risk audit")
}

// recordNoVotes appends the proposal-level entry for a result that
// produced no on-chain action.
func (s *Service) recordNoVotes(proposal *types.Proposal, score int, reason string) error {
	riskScore := score
	err := s.db.AppendAudit(s.runCtx, &types.AuditEntry{
		Action:      types.ActionAutoVoteFailed,
		ProposalID:  &proposal.ID,
		DAOGovernor: proposal.DAOGovernor,
		RiskScore:   &riskScore,
		Metadata:    map[string]interface{}{"reason": reason},
	})
	return errors.Wrap(err, "append no-vote audit")
}

// castVotes attempts one batched transaction for the pending set and
// falls back to individual calls when the batch fails.
func (s *Service) castVotes(proposal *types.Proposal, analysis *types.Analysis,
	pending []*types.Delegation, direction types.VoteDirection, wireScore float64) error {
	onchainID, ok := new(big.Int).SetString(proposal.OnchainProposalID, 10)
	if !ok {
		return errors.Errorf("malformed onchain proposal id %q", proposal.OnchainProposalID)
	}
	dao := common.HexToAddress(proposal.DAOGovernor)
	// A fractional 0-100 score is expressed in basis points on chain.
	scaled := big.NewInt(int64(math.Round(wireScore * 100)))
	hash := reportHash32(analysis)

	// A single voter does not need the batch method.
	if len(pending) == 1 {
		s.castIndividual(proposal, pending[0], onchainID, dao, direction, analysis.CompositeRiskScore, scaled, hash)
		return nil
	}

	n := len(pending)
	proposalIDs := make([]*big.Int, n)
	users := make([]common.Address, n)
	supports := make([]uint8, n)
	scores := make([]*big.Int, n)
	hashes := make([][32]byte, n)
	for i, d := range pending {
		proposalIDs[i] = onchainID
		users[i] = common.HexToAddress(d.Delegator)
		supports[i] = uint8(direction)
		scores[i] = scaled
		hashes[i] = hash
	}

	tx, err := s.contract.CastMultipleVotes(s.signer, dao, proposalIDs, users, supports, scores, hashes)
	if err == nil {
		txHash := tx.Hash().Hex()
		entries := make([]*types.AuditEntry, n)
		for i, d := range pending {
			entries[i] = s.voteCastEntry(proposal, d, direction, analysis.CompositeRiskScore, txHash)
			votesCast.Inc()
		}
		log.WithFields(logrus.Fields{
			"proposal": proposal.OnchainProposalID,
			"voters":   n,
			"tx":       txHash,
		}).Info("Batch vote cast")
		return errors.Wrap(s.db.BulkAppendAudit(s.runCtx, entries), "append batch vote audit")
	}

	batchFallbacks.Inc()
	log.WithError(err).WithField("proposal", proposal.OnchainProposalID).
		Warn("Batch vote failed, falling back to individual votes")

	for _, d := range pending {
		s.castIndividual(proposal, d, onchainID, dao, direction, analysis.CompositeRiskScore, scaled, hash)
	}
	return nil
}

// castIndividual submits one vote, retrying once on nonce or gas
// trouble, and appends the outcome audit entry. Failures never abort
// the remaining delegators.
func (s *Service) castIndividual(proposal *types.Proposal, d *types.Delegation, onchainID *big.Int,
	dao common.Address, direction types.VoteDirection, score int, scaled *big.Int, hash [32]byte) {
	user := common.HexToAddress(d.Delegator)
	tx, err := s.contract.CastVoteWithRisk(s.signer, dao, onchainID, user, uint8(direction), scaled, hash)
	if err != nil {
		if code, _ := Classify(err); retryable(code) {
			log.WithField("delegator", d.Delegator).WithField("code", code).
				Warn("Retrying vote with refreshed signer state")
			tx, err = s.contract.CastVoteWithRisk(s.signer, dao, onchainID, user, uint8(direction), scaled, hash)
		}
	}
	if err != nil {
		code, detail := Classify(err)
		votesFailed.WithLabelValues(code).Inc()
		delegator := d.Delegator
		riskScore := score
		dir := direction
		meta := map[string]interface{}{"code": code, "chain_id": s.chainID}
		if detail != "" {
			meta["detail"] = detail
		}
		if auditErr := s.db.AppendAudit(s.runCtx, &types.AuditEntry{
			Action:        types.ActionAutoVoteFailed,
			ProposalID:    &proposal.ID,
			DAOGovernor:   proposal.DAOGovernor,
			Delegator:     &delegator,
			VoteDirection: &dir,
			RiskScore:     &riskScore,
			WasAutoVote:   true,
			Metadata:      meta,
		}); auditErr != nil {
			log.WithError(auditErr).Error("Could not append vote failure audit")
		}
		return
	}

	votesCast.Inc()
	txHash := tx.Hash().Hex()
	if auditErr := s.db.AppendAudit(s.runCtx, s.voteCastEntry(proposal, d, direction, score, txHash)); auditErr != nil {
		log.WithError(auditErr).Error("Could not append vote audit")
	}
}

func (s *Service) voteCastEntry(proposal *types.Proposal, d *types.Delegation,
	direction types.VoteDirection, score int, txHash string) *types.AuditEntry {
	delegator := d.Delegator
	riskScore := score
	dir := direction
	hash := txHash
	return &types.AuditEntry{
		Action:        types.ActionAutoVoteCast,
		ProposalID:    &proposal.ID,
		DAOGovernor:   proposal.DAOGovernor,
		Delegator:     &delegator,
		VoteDirection: &dir,
		RiskScore:     &riskScore,
		TxHash:        &hash,
		WasAutoVote:   true,
		Metadata:      map[string]interface{}{"success": true, "chain_id": s.chainID},
	}
}

// reportHash32 returns the stored report hash, synthesizing a
// deterministic one from the analysis identity when the worker
// supplied none.
func reportHash32(a *types.Analysis) [32]byte {
	var out [32]byte
	if len(a.ReportHash) == 32 {
		copy(out[:], a.ReportHash)
		return out
	}
	seed := fmt.Sprintf("analysis-%s-%s", a.AnalysisID, a.CreatedAt.UTC().Format(time.RFC3339Nano))
	copy(out[:], crypto.Keccak256([]byte(seed)))
	return out
}
