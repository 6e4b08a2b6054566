package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/daosentry/daosentry/types"
)

const delegationColumns = `id, delegator, dao_governor, chain_id, risk_threshold,
	requires_approval, status, last_event_block, last_event_tx_hash,
	COALESCE(revoke_tx_hash, ''), created_at, updated_at`

// UpsertDelegation records a grant. Re-granting after revocation
// resets status to ACTIVE and clears the revoke hash. The update arm
// only fires when something actually differs, so a duplicate grant
// event reports changed == false and the caller appends no audit entry.
func (s *Store) UpsertDelegation(ctx context.Context, d *types.Delegation) (*types.Delegation, bool, error) {
	if d.RiskThreshold < 0 || d.RiskThreshold > 100 {
		return nil, false, errors.Errorf("risk threshold %d out of range", d.RiskThreshold)
	}

	const q = `
		INSERT INTO delegations (delegator, dao_governor, chain_id, risk_threshold,
			requires_approval, status, last_event_block, last_event_tx_hash, revoke_tx_hash)
		VALUES ($1, $2, $3, $4, $5, 'ACTIVE', $6, $7, NULL)
		ON CONFLICT (delegator, dao_governor, chain_id) DO UPDATE SET
			risk_threshold = EXCLUDED.risk_threshold,
			requires_approval = EXCLUDED.requires_approval,
			status = 'ACTIVE',
			revoke_tx_hash = NULL,
			last_event_block = EXCLUDED.last_event_block,
			last_event_tx_hash = EXCLUDED.last_event_tx_hash,
			updated_at = now()
		WHERE delegations.risk_threshold IS DISTINCT FROM EXCLUDED.risk_threshold
			OR delegations.requires_approval IS DISTINCT FROM EXCLUDED.requires_approval
			OR delegations.status <> 'ACTIVE'
			OR delegations.last_event_tx_hash IS DISTINCT FROM EXCLUDED.last_event_tx_hash
		RETURNING ` + delegationColumns

	row := s.db.QueryRowContext(ctx, q,
		lower(d.Delegator), lower(d.DAOGovernor), d.ChainID, d.RiskThreshold,
		d.RequiresApproval, d.LastEventBlock, lower(d.LastEventTxHash))
	stored, err := scanDelegation(row)
	if err == nil {
		return stored, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errors.Wrap(err, "upsert delegation")
	}

	// The guarded update matched nothing: the grant is a byte-for-byte
	// replay. Surface the existing row unchanged.
	row = s.db.QueryRowContext(ctx,
		`SELECT `+delegationColumns+` FROM delegations
		 WHERE delegator = $1 AND dao_governor = $2 AND chain_id = $3`,
		lower(d.Delegator), lower(d.DAOGovernor), d.ChainID)
	stored, err = scanDelegation(row)
	if err != nil {
		return nil, false, errors.Wrap(err, "load delegation after no-op upsert")
	}
	return stored, false, nil
}

// MarkDelegationRevoked transitions an ACTIVE delegation to REVOKED.
// A revoke for an unknown or already revoked delegation returns false;
// the caller logs and moves on.
func (s *Store) MarkDelegationRevoked(ctx context.Context, delegator, daoGovernor string, chainID, block uint64, txHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delegations
		SET status = 'REVOKED', revoke_tx_hash = $5, last_event_block = $4,
			last_event_tx_hash = $5, updated_at = now()
		WHERE delegator = $1 AND dao_governor = $2 AND chain_id = $3 AND status = 'ACTIVE'`,
		lower(delegator), lower(daoGovernor), chainID, block, lower(txHash))
	if err != nil {
		return false, errors.Wrap(err, "mark delegation revoked")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "mark delegation revoked: rows affected")
	}
	return n > 0, nil
}

// ListActiveDelegations returns every ACTIVE delegation for a DAO on a
// chain, ordered by delegator for deterministic batch composition.
func (s *Store) ListActiveDelegations(ctx context.Context, daoGovernor string, chainID uint64) ([]*types.Delegation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+delegationColumns+` FROM delegations
		 WHERE dao_governor = $1 AND chain_id = $2 AND status = 'ACTIVE'
		 ORDER BY delegator`,
		lower(daoGovernor), chainID)
	if err != nil {
		return nil, errors.Wrap(err, "list active delegations")
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan delegation")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "iterate delegations")
}

func scanDelegation(row rowScanner) (*types.Delegation, error) {
	var d types.Delegation
	if err := row.Scan(
		&d.ID, &d.Delegator, &d.DAOGovernor, &d.ChainID, &d.RiskThreshold,
		&d.RequiresApproval, &d.Status, &d.LastEventBlock, &d.LastEventTxHash,
		&d.RevokeTxHash, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}
