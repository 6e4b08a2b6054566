package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/daosentry/daosentry/types"
)

const proposalColumns = `id, onchain_proposal_id, dao_governor, chain_id, title, description,
	proposer, voting_start_block, voting_end_block, targets, call_values, calldatas,
	detected_block, creation_tx_hash, status, created_at, updated_at`

// UpsertProposal inserts or refreshes a proposal. On conflict the
// event-derived fields are refreshed and the status is preserved, so a
// replayed ProposalCreated event cannot regress downstream progress.
func (s *Store) UpsertProposal(ctx context.Context, p *types.Proposal) (*types.Proposal, bool, error) {
	if p.VotingStartBlock >= p.VotingEndBlock {
		return nil, false, errors.Errorf("invalid voting window: start %d >= end %d", p.VotingStartBlock, p.VotingEndBlock)
	}
	if len(p.Targets) != len(p.Values) || len(p.Targets) != len(p.Calldatas) {
		return nil, false, errors.Errorf("mismatched action arrays: %d targets, %d values, %d calldatas",
			len(p.Targets), len(p.Values), len(p.Calldatas))
	}
	targets, err := json.Marshal(p.Targets)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal targets")
	}
	values, err := json.Marshal(p.Values)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal values")
	}
	calldatas, err := json.Marshal(p.Calldatas)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal calldatas")
	}

	const q = `
		INSERT INTO proposals (onchain_proposal_id, dao_governor, chain_id, title, description,
			proposer, voting_start_block, voting_end_block, targets, call_values, calldatas,
			detected_block, creation_tx_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'PENDING_ANALYSIS')
		ON CONFLICT (onchain_proposal_id, dao_governor, chain_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			proposer = EXCLUDED.proposer,
			voting_start_block = EXCLUDED.voting_start_block,
			voting_end_block = EXCLUDED.voting_end_block,
			targets = EXCLUDED.targets,
			call_values = EXCLUDED.call_values,
			calldatas = EXCLUDED.calldatas,
			updated_at = now()
		RETURNING ` + proposalColumns + `, (xmax = 0) AS inserted`

	row := s.db.QueryRowContext(ctx, q,
		p.OnchainProposalID, lower(p.DAOGovernor), p.ChainID, p.Title, p.Description,
		lower(p.Proposer), p.VotingStartBlock, p.VotingEndBlock, targets, values, calldatas,
		p.DetectedBlock, lower(p.CreationTxHash),
	)
	stored, created, err := scanProposalWithInserted(row)
	if err != nil {
		return nil, false, errors.Wrap(err, "upsert proposal")
	}
	return stored, created, nil
}

// Proposal returns the proposal with the given internal id, or nil
// when it does not exist.
func (s *Store) Proposal(ctx context.Context, id int64) (*types.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, errors.Wrap(err, "load proposal")
}

// ProposalByOnchainKey resolves a proposal by its on-chain identity,
// or nil when it does not exist.
func (s *Store) ProposalByOnchainKey(ctx context.Context, onchainProposalID, daoGovernor string, chainID uint64) (*types.Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals
		 WHERE onchain_proposal_id = $1 AND dao_governor = $2 AND chain_id = $3`,
		onchainProposalID, lower(daoGovernor), chainID)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, errors.Wrap(err, "load proposal by onchain key")
}

// TransitionProposalStatus moves a proposal forward in the status
// order. The from set is filtered to statuses that may legally reach
// the target, so a concurrent writer that already advanced further can
// never be regressed.
func (s *Store) TransitionProposalStatus(ctx context.Context, id int64, from []types.ProposalStatus, to types.ProposalStatus) (bool, error) {
	if !to.Valid() {
		return false, errors.Errorf("unknown target status %q", to)
	}
	legal := make([]string, 0, len(from))
	for _, f := range from {
		if f.CanTransitionTo(to) {
			legal = append(legal, string(f))
		}
	}
	if len(legal) == 0 {
		return false, errors.Errorf("no legal transition from %v to %s", from, to)
	}

	placeholders := make([]string, len(legal))
	args := []interface{}{to, id}
	for i, st := range legal {
		placeholders[i] = "$" + strconv.Itoa(i+3)
		args = append(args, st)
	}
	q := `UPDATE proposals SET status = $1, updated_at = now()
		WHERE id = $2 AND status IN (` + strings.Join(placeholders, ", ") + `)`

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, errors.Wrap(err, "transition proposal status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "transition proposal status: rows affected")
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*types.Proposal, error) {
	var (
		p                          types.Proposal
		targets, values, calldatas []byte
	)
	if err := row.Scan(
		&p.ID, &p.OnchainProposalID, &p.DAOGovernor, &p.ChainID, &p.Title, &p.Description,
		&p.Proposer, &p.VotingStartBlock, &p.VotingEndBlock, &targets, &values, &calldatas,
		&p.DetectedBlock, &p.CreationTxHash, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := unmarshalProposalArrays(&p, targets, values, calldatas); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProposalWithInserted(row rowScanner) (*types.Proposal, bool, error) {
	var (
		p                          types.Proposal
		targets, values, calldatas []byte
		inserted                   bool
	)
	if err := row.Scan(
		&p.ID, &p.OnchainProposalID, &p.DAOGovernor, &p.ChainID, &p.Title, &p.Description,
		&p.Proposer, &p.VotingStartBlock, &p.VotingEndBlock, &targets, &values, &calldatas,
		&p.DetectedBlock, &p.CreationTxHash, &p.Status, &p.CreatedAt, &p.UpdatedAt, &inserted,
	); err != nil {
		return nil, false, err
	}
	if err := unmarshalProposalArrays(&p, targets, values, calldatas); err != nil {
		return nil, false, err
	}
	return &p, inserted, nil
}

func unmarshalProposalArrays(p *types.Proposal, targets, values, calldatas []byte) error {
	if err := json.Unmarshal(targets, &p.Targets); err != nil {
		return errors.Wrap(err, "unmarshal targets")
	}
	if err := json.Unmarshal(values, &p.Values); err != nil {
		return errors.Wrap(err, "unmarshal values")
	}
	if err := json.Unmarshal(calldatas, &p.Calldatas); err != nil {
		return errors.Wrap(err, "unmarshal calldatas")
	}
	return nil
}
