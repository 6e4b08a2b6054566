// Package db implements the relational store owning proposals,
// delegations, analyses and the append-only audit log. Every write is
// exposed as a named repository method with a narrow contract; there
// is deliberately no generic save.
package db

import (
	"context"

	"github.com/daosentry/daosentry/types"
)

// Database is the read/write contract offered to the scanner and the
// vote executor. Implementations must make every upsert idempotent
// under event replay: a conflict on a unique key is success, not an
// error.
type Database interface {
	ReadOnlyDatabase

	// UpsertProposal inserts a proposal keyed by
	// (onchain_proposal_id, dao_governor, chain_id) or refreshes its
	// event-derived fields. Status is set to PENDING_ANALYSIS on
	// insert and preserved on update. The second return value reports
	// whether a new row was created.
	UpsertProposal(ctx context.Context, p *types.Proposal) (*types.Proposal, bool, error)

	// TransitionProposalStatus moves a proposal from any status in
	// from to the target status. Regressions are refused; returns
	// whether a row was updated.
	TransitionProposalStatus(ctx context.Context, id int64, from []types.ProposalStatus, to types.ProposalStatus) (bool, error)

	// UpsertDelegation records a grant, resetting status to ACTIVE and
	// clearing any prior revoke hash. The second return value reports
	// whether anything actually changed, so callers can suppress
	// duplicate audit entries on event re-delivery.
	UpsertDelegation(ctx context.Context, d *types.Delegation) (*types.Delegation, bool, error)

	// MarkDelegationRevoked transitions an ACTIVE delegation to
	// REVOKED, recording the revoking transaction. Returns false when
	// no matching active delegation exists; that case is not an error.
	MarkDelegationRevoked(ctx context.Context, delegator, daoGovernor string, chainID, block uint64, txHash string) (bool, error)

	// SaveAnalysis persists a terminal analysis. Once set, a
	// proposal's analysis is only replaced while the proposal is still
	// PENDING_ANALYSIS; otherwise the stored row wins and is returned.
	SaveAnalysis(ctx context.Context, a *types.Analysis) (*types.Analysis, error)

	// AppendAudit appends one audit entry. The audit log is
	// append-only; nothing is ever updated or deleted.
	AppendAudit(ctx context.Context, e *types.AuditEntry) error

	// BulkAppendAudit appends several entries in one transaction.
	BulkAppendAudit(ctx context.Context, entries []*types.AuditEntry) error

	Close() error
}

// ReadOnlyDatabase is the query-only subset.
type ReadOnlyDatabase interface {
	Proposal(ctx context.Context, id int64) (*types.Proposal, error)
	ProposalByOnchainKey(ctx context.Context, onchainProposalID, daoGovernor string, chainID uint64) (*types.Proposal, error)
	AnalysisByProposal(ctx context.Context, proposalID int64) (*types.Analysis, error)
	ListActiveDelegations(ctx context.Context, daoGovernor string, chainID uint64) ([]*types.Delegation, error)

	// HasSuccessfulAutoVote reports whether an AUTO_VOTE_CAST audit
	// entry already exists for the (proposal, delegator) pair. The
	// executor consults it before casting so that re-delivered result
	// events never double-vote.
	HasSuccessfulAutoVote(ctx context.Context, proposalID int64, delegator string) (bool, error)
}
