package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/daosentry/daosentry/types"
)

const insertAuditQuery = `
	INSERT INTO audit_log (action, proposal_id, dao_governor, delegator,
		vote_direction, risk_score, tx_hash, was_auto_vote, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// AppendAudit appends a single audit entry.
func (s *Store) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	args, err := auditArgs(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertAuditQuery, args...)
	return errors.Wrap(err, "append audit entry")
}

// BulkAppendAudit appends several entries in one transaction so a
// batch vote outcome is recorded atomically.
func (s *Store) BulkAppendAudit(ctx context.Context, entries []*types.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin audit tx")
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()
	for _, e := range entries {
		args, err := auditArgs(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertAuditQuery, args...); err != nil {
			return errors.Wrap(err, "append audit entry in bulk")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit audit tx")
	}
	tx = nil
	return nil
}

// HasSuccessfulAutoVote reports whether a successful AUTO_VOTE_CAST
// entry exists for the (proposal, delegator) pair.
func (s *Store) HasSuccessfulAutoVote(ctx context.Context, proposalID int64, delegator string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM audit_log
			WHERE action = 'AUTO_VOTE_CAST' AND proposal_id = $1 AND delegator = $2
		)`, proposalID, lower(delegator)).Scan(&exists)
	return exists, errors.Wrap(err, "check prior auto vote")
}

func auditArgs(e *types.AuditEntry) ([]interface{}, error) {
	metadata, err := e.MetadataJSON()
	if err != nil {
		return nil, errors.Wrap(err, "marshal audit metadata")
	}
	var delegator sql.NullString
	if e.Delegator != nil {
		delegator = sql.NullString{String: lower(*e.Delegator), Valid: true}
	}
	var direction sql.NullInt16
	if e.VoteDirection != nil {
		direction = sql.NullInt16{Int16: int16(*e.VoteDirection), Valid: true}
	}
	var riskScore sql.NullInt32
	if e.RiskScore != nil {
		riskScore = sql.NullInt32{Int32: int32(*e.RiskScore), Valid: true}
	}
	var txHash sql.NullString
	if e.TxHash != nil {
		txHash = sql.NullString{String: lower(*e.TxHash), Valid: true}
	}
	var proposalID sql.NullInt64
	if e.ProposalID != nil {
		proposalID = sql.NullInt64{Int64: *e.ProposalID, Valid: true}
	}
	return []interface{}{
		e.Action, proposalID, lower(e.DAOGovernor), delegator,
		direction, riskScore, txHash, e.WasAutoVote, metadata,
	}, nil
}
