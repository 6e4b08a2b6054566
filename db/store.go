package db

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Store is the Postgres-backed Database implementation.
type Store struct {
	db *sql.DB
}

var _ Database = (*Store)(nil)

// Open connects to Postgres via the pgx stdlib driver and verifies
// connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Store{db: sqlDB}, nil
}

// NewWithDB wraps an existing handle. Used by tests running against
// sqlmock.
func NewWithDB(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS proposals (
		id BIGSERIAL PRIMARY KEY,
		onchain_proposal_id TEXT NOT NULL,
		dao_governor TEXT NOT NULL,
		chain_id BIGINT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		proposer TEXT NOT NULL,
		voting_start_block BIGINT NOT NULL CHECK (voting_start_block >= 0),
		voting_end_block BIGINT NOT NULL CHECK (voting_end_block >= 0),
		targets JSONB NOT NULL DEFAULT '[]',
		call_values JSONB NOT NULL DEFAULT '[]',
		calldatas JSONB NOT NULL DEFAULT '[]',
		detected_block BIGINT NOT NULL,
		creation_tx_hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING_ANALYSIS',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (onchain_proposal_id, dao_governor, chain_id)
	)`,
	`CREATE TABLE IF NOT EXISTS delegations (
		id BIGSERIAL PRIMARY KEY,
		delegator TEXT NOT NULL,
		dao_governor TEXT NOT NULL,
		chain_id BIGINT NOT NULL,
		risk_threshold INT NOT NULL CHECK (risk_threshold BETWEEN 0 AND 100),
		requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		last_event_block BIGINT NOT NULL,
		last_event_tx_hash TEXT NOT NULL,
		revoke_tx_hash TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (delegator, dao_governor, chain_id)
	)`,
	`CREATE TABLE IF NOT EXISTS analyses (
		proposal_id BIGINT PRIMARY KEY REFERENCES proposals(id),
		analysis_id TEXT NOT NULL,
		composite_risk_score INT NOT NULL CHECK (composite_risk_score BETWEEN 0 AND 100),
		risk_level TEXT NOT NULL,
		recommendation TEXT NOT NULL,
		report_hash BYTEA,
		processing_time_ms BIGINT NOT NULL DEFAULT 0,
		model_version TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		action TEXT NOT NULL,
		proposal_id BIGINT,
		dao_governor TEXT NOT NULL DEFAULT '',
		delegator TEXT,
		vote_direction SMALLINT,
		risk_score INT,
		tx_hash TEXT,
		was_auto_vote BOOLEAN NOT NULL DEFAULT FALSE,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_proposal_delegator_idx
		ON audit_log (proposal_id, delegator, action)`,
	`CREATE INDEX IF NOT EXISTS delegations_dao_status_idx
		ON delegations (dao_governor, chain_id, status)`,
}

// Migrate applies the schema. Statements are individually idempotent
// so a restart mid-migration is safe.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}
	log.Debug("Relational store schema up to date")
	return nil
}

// lower canonicalizes an on-chain address for storage. All address
// columns hold lower-cased hex.
func lower(addr string) string {
	return strings.ToLower(addr)
}
