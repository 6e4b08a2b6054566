package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProposalStatusOrder(t *testing.T) {
	ordered := []ProposalStatus{
		StatusPendingAnalysis,
		StatusAnalyzing,
		StatusNeedsReview,
		StatusAutoApproved,
		StatusAutoRejected,
		StatusExecuted,
		StatusFailed,
	}
	for i, from := range ordered {
		for j, to := range ordered {
			got := from.CanTransitionTo(to)
			assert.Equal(t, j >= i, got, "%s -> %s", from, to)
		}
	}
}

func TestProposalStatusSkippingAllowed(t *testing.T) {
	require.True(t, StatusPendingAnalysis.CanTransitionTo(StatusAutoRejected))
	require.True(t, StatusAnalyzing.CanTransitionTo(StatusFailed))
}

func TestProposalStatusRegressionRejected(t *testing.T) {
	require.False(t, StatusAutoApproved.CanTransitionTo(StatusPendingAnalysis))
	require.False(t, StatusFailed.CanTransitionTo(StatusExecuted))
}

func TestProposalStatusUnknown(t *testing.T) {
	require.False(t, ProposalStatus("BOGUS").Valid())
	require.False(t, StatusPendingAnalysis.CanTransitionTo(ProposalStatus("BOGUS")))
	require.Equal(t, -1, ProposalStatus("").Rank())
}

func TestVoteDirectionString(t *testing.T) {
	assert.Equal(t, "AGAINST", VoteAgainst.String())
	assert.Equal(t, "FOR", VoteFor.String())
	assert.Equal(t, "ABSTAIN", VoteAbstain.String())
	assert.Equal(t, "UNKNOWN", VoteDirection(9).String())
}

func TestAuditEntryMetadataJSON(t *testing.T) {
	e := &AuditEntry{}
	raw, err := e.MetadataJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))

	e.Metadata = map[string]interface{}{"reason": "no_eligible_delegations"}
	raw, err = e.MetadataJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"no_eligible_delegations"}`, string(raw))
}
