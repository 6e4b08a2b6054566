package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/daosentry/daosentry/types"
)

const analysisColumns = `proposal_id, analysis_id, composite_risk_score, risk_level,
	recommendation, report_hash, processing_time_ms, model_version, created_at`

// SaveAnalysis persists a terminal analysis inside one transaction
// with the overwrite guard: an existing analysis is only replaced
// while the proposal is still PENDING_ANALYSIS. The stored row is
// returned either way so callers work with the canonical record, and
// created_at is preserved across replacement so deterministic report
// hashes stay stable.
func (s *Store) SaveAnalysis(ctx context.Context, a *types.Analysis) (*types.Analysis, error) {
	if a.CompositeRiskScore < 0 || a.CompositeRiskScore > 100 {
		return nil, errors.Errorf("composite risk score %d out of range", a.CompositeRiskScore)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin analysis tx")
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var status types.ProposalStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM proposals WHERE id = $1 FOR UPDATE`, a.ProposalID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("analysis for unknown proposal %d", a.ProposalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock proposal for analysis")
	}

	existing, err := analysisByProposalTx(ctx, tx, a.ProposalID)
	if err != nil {
		return nil, err
	}
	if existing != nil && status != types.StatusPendingAnalysis {
		// A composite score, once set, is never overwritten after the
		// proposal left PENDING_ANALYSIS.
		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "commit analysis no-op")
		}
		tx = nil
		return existing, nil
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO analyses (proposal_id, analysis_id, composite_risk_score, risk_level,
			recommendation, report_hash, processing_time_ms, model_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (proposal_id) DO UPDATE SET
			analysis_id = EXCLUDED.analysis_id,
			composite_risk_score = EXCLUDED.composite_risk_score,
			risk_level = EXCLUDED.risk_level,
			recommendation = EXCLUDED.recommendation,
			report_hash = EXCLUDED.report_hash,
			processing_time_ms = EXCLUDED.processing_time_ms,
			model_version = EXCLUDED.model_version
		RETURNING `+analysisColumns,
		a.ProposalID, a.AnalysisID, a.CompositeRiskScore, a.RiskLevel,
		a.Recommendation, a.ReportHash, a.ProcessingTimeMs, a.ModelVersion)
	stored, err := scanAnalysis(row)
	if err != nil {
		return nil, errors.Wrap(err, "save analysis")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit analysis")
	}
	tx = nil
	return stored, nil
}

// AnalysisByProposal returns the stored analysis for a proposal, or
// nil when none exists yet.
func (s *Store) AnalysisByProposal(ctx context.Context, proposalID int64) (*types.Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE proposal_id = $1`, proposalID)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, errors.Wrap(err, "load analysis")
}

func analysisByProposalTx(ctx context.Context, tx *sql.Tx, proposalID int64) (*types.Analysis, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE proposal_id = $1`, proposalID)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, errors.Wrap(err, "load analysis in tx")
}

func scanAnalysis(row rowScanner) (*types.Analysis, error) {
	var a types.Analysis
	if err := row.Scan(
		&a.ProposalID, &a.AnalysisID, &a.CompositeRiskScore, &a.RiskLevel,
		&a.Recommendation, &a.ReportHash, &a.ProcessingTimeMs, &a.ModelVersion, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}
