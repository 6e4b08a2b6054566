package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daosentry/daosentry/types"
)

func setupMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewWithDB(sqlDB), mock
}

func TestUpsertProposalRejectsInvalidVotingWindow(t *testing.T) {
	s, _ := setupMock(t)
	_, _, err := s.UpsertProposal(context.Background(), &types.Proposal{
		OnchainProposalID: "42",
		VotingStartBlock:  200,
		VotingEndBlock:    100,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid voting window")
}

func TestUpsertProposalRejectsMismatchedArrays(t *testing.T) {
	s, _ := setupMock(t)
	_, _, err := s.UpsertProposal(context.Background(), &types.Proposal{
		OnchainProposalID: "42",
		VotingStartBlock:  100,
		VotingEndBlock:    200,
		Targets:           []string{"0xdead"},
		Values:            []string{},
		Calldatas:         []string{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatched action arrays")
}

func TestTransitionProposalStatusFiltersIllegalSources(t *testing.T) {
	s, mock := setupMock(t)

	// AUTO_APPROVED cannot reach ANALYZING, so only the legal source
	// statuses may appear in the WHERE clause.
	mock.ExpectExec("UPDATE proposals SET status").
		WithArgs(string(types.StatusAnalyzing), int64(7), string(types.StatusPendingAnalysis)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.TransitionProposalStatus(context.Background(), 7,
		[]types.ProposalStatus{types.StatusPendingAnalysis, types.StatusAutoApproved},
		types.StatusAnalyzing)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionProposalStatusRefusesRegression(t *testing.T) {
	s, _ := setupMock(t)
	_, err := s.TransitionProposalStatus(context.Background(), 7,
		[]types.ProposalStatus{types.StatusAutoApproved}, types.StatusPendingAnalysis)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no legal transition")
}

func TestMarkDelegationRevokedUnknownTriple(t *testing.T) {
	s, mock := setupMock(t)

	mock.ExpectExec("UPDATE delegations").
		WithArgs("0xabc", "0xdao", uint64(1), uint64(500), "0xtx").
		WillReturnResult(sqlmock.NewResult(0, 0))

	found, err := s.MarkDelegationRevoked(context.Background(), "0xABC", "0xDAO", 1, 500, "0xTX")
	require.NoError(t, err)
	assert.False(t, found, "unknown revoke is ignored, not an error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasSuccessfulAutoVote(t *testing.T) {
	s, mock := setupMock(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(3), "0xuser").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	got, err := s.HasSuccessfulAutoVote(context.Background(), 3, "0xUSER")
	require.NoError(t, err)
	assert.True(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDelegationRejectsOutOfRangeThreshold(t *testing.T) {
	s, _ := setupMock(t)
	_, _, err := s.UpsertDelegation(context.Background(), &types.Delegation{RiskThreshold: 101})
	require.Error(t, err)
}

func TestSaveAnalysisRejectsOutOfRangeScore(t *testing.T) {
	s, _ := setupMock(t)
	_, err := s.SaveAnalysis(context.Background(), &types.Analysis{CompositeRiskScore: -1})
	require.Error(t, err)
}
