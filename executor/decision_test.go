package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daosentry/daosentry/types"
)

func TestDecideDirection(t *testing.T) {
	tests := []struct {
		rec   types.Recommendation
		score int
		want  types.VoteDirection
	}{
		{types.RecommendApprove, 0, types.VoteFor},
		{types.RecommendApprove, 99, types.VoteFor},
		{types.RecommendReject, 0, types.VoteAgainst},
		{types.RecommendReject, 99, types.VoteAgainst},
		{types.RecommendReview, 49, types.VoteFor},
		{types.RecommendReview, 50, types.VoteAbstain},
		{types.RecommendReview, 100, types.VoteAbstain},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, DecideDirection(tc.rec, tc.score),
			"rec=%s score=%d", tc.rec, tc.score)
	}
}

func TestFinalStatus(t *testing.T) {
	assert.Equal(t, types.StatusAutoApproved, FinalStatus(types.RecommendApprove, 95))
	assert.Equal(t, types.StatusAutoRejected, FinalStatus(types.RecommendReject, 5))
	assert.Equal(t, types.StatusAutoApproved, FinalStatus(types.RecommendReview, 40))
	assert.Equal(t, types.StatusNeedsReview, FinalStatus(types.RecommendReview, 50))
}

func TestPartitionDelegations(t *testing.T) {
	d := func(threshold int, requiresApproval bool) *types.Delegation {
		return &types.Delegation{RiskThreshold: threshold, RequiresApproval: requiresApproval}
	}

	t.Run("score equal to threshold is eligible", func(t *testing.T) {
		eligible, highRisk := PartitionDelegations(50, []*types.Delegation{d(50, false)})
		assert.Len(t, eligible, 1)
		assert.Empty(t, highRisk)
	})

	t.Run("score above threshold is high risk", func(t *testing.T) {
		eligible, highRisk := PartitionDelegations(51, []*types.Delegation{d(50, false)})
		assert.Empty(t, eligible)
		assert.Len(t, highRisk, 1)
	})

	t.Run("zero threshold never votes", func(t *testing.T) {
		eligible, highRisk := PartitionDelegations(0, []*types.Delegation{d(0, false)})
		assert.Empty(t, eligible)
		assert.Empty(t, highRisk)

		_, highRisk = PartitionDelegations(10, []*types.Delegation{d(0, false)})
		assert.Len(t, highRisk, 1)
	})

	t.Run("requires approval excluded silently", func(t *testing.T) {
		eligible, highRisk := PartitionDelegations(90, []*types.Delegation{d(50, true)})
		assert.Empty(t, eligible)
		assert.Empty(t, highRisk)
	})
}
