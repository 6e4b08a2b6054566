package executor

import "github.com/daosentry/daosentry/types"

// DecideDirection maps an analysis verdict to the on-chain support
// value. The table is exhaustive: APPROVE votes for, REJECT votes
// against, REVIEW votes for below the midpoint and abstains above it.
func DecideDirection(rec types.Recommendation, score int) types.VoteDirection {
	switch rec {
	case types.RecommendApprove:
		return types.VoteFor
	case types.RecommendReject:
		return types.VoteAgainst
	default:
		if score < 50 {
			return types.VoteFor
		}
		return types.VoteAbstain
	}
}

// FinalStatus is the proposal status reached after processing an
// analysis, whether or not any vote was cast. A REVIEW verdict on a
// risky proposal lands in the manual queue.
func FinalStatus(rec types.Recommendation, score int) types.ProposalStatus {
	switch rec {
	case types.RecommendApprove:
		return types.StatusAutoApproved
	case types.RecommendReject:
		return types.StatusAutoRejected
	default:
		if score >= 50 {
			return types.StatusNeedsReview
		}
		return types.StatusAutoApproved
	}
}

// PartitionDelegations splits active delegations into those the
// executor may vote for and those flagged high-risk. A delegation is
// eligible when it does not require manual approval, its threshold is
// positive, and the score does not exceed the threshold (equality is
// eligible). A zero threshold disables auto-voting entirely. A
// delegation whose threshold the score exceeds is high-risk for that
// user; one requiring approval is excluded silently.
func PartitionDelegations(score int, delegations []*types.Delegation) (eligible, highRisk []*types.Delegation) {
	for _, d := range delegations {
		if d.RequiresApproval {
			continue
		}
		if score > d.RiskThreshold {
			highRisk = append(highRisk, d)
			continue
		}
		if d.RiskThreshold == 0 {
			continue
		}
		eligible = append(eligible, d)
	}
	return eligible, highRisk
}
