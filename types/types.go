// Package types holds the domain entities shared by the scanner, the
// analysis job bus and the vote executor. The relational store is the
// single owner of persisted instances; everything here is plain data.
package types

import (
	"encoding/json"
	"time"
)

// ProposalStatus is the lifecycle state of a governance proposal.
// Transitions are only legal in the declared order; skipping forward is
// allowed, regressing is not.
type ProposalStatus string

const (
	StatusPendingAnalysis ProposalStatus = "PENDING_ANALYSIS"
	StatusAnalyzing       ProposalStatus = "ANALYZING"
	StatusNeedsReview     ProposalStatus = "NEEDS_REVIEW"
	StatusAutoApproved    ProposalStatus = "AUTO_APPROVED"
	StatusAutoRejected    ProposalStatus = "AUTO_REJECTED"
	StatusExecuted        ProposalStatus = "EXECUTED"
	StatusFailed          ProposalStatus = "FAILED"
)

var statusRank = map[ProposalStatus]int{
	StatusPendingAnalysis: 0,
	StatusAnalyzing:       1,
	StatusNeedsReview:     2,
	StatusAutoApproved:    3,
	StatusAutoRejected:    4,
	StatusExecuted:        5,
	StatusFailed:          6,
}

// Rank returns the position of the status in the transition order, or
// -1 for an unknown status.
func (s ProposalStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether the status is a member of the enum.
func (s ProposalStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next respects the
// declared order. Equal statuses are a no-op and allowed.
func (s ProposalStatus) CanTransitionTo(next ProposalStatus) bool {
	from, to := s.Rank(), next.Rank()
	if from < 0 || to < 0 {
		return false
	}
	return to >= from
}

// DelegationStatus is the state of a user's standing voting delegation.
type DelegationStatus string

const (
	DelegationActive  DelegationStatus = "ACTIVE"
	DelegationRevoked DelegationStatus = "REVOKED"
)

// VoteDirection is the on-chain support value for a cast vote.
type VoteDirection uint8

const (
	VoteAgainst VoteDirection = 0
	VoteFor     VoteDirection = 1
	VoteAbstain VoteDirection = 2
)

func (v VoteDirection) String() string {
	switch v {
	case VoteAgainst:
		return "AGAINST"
	case VoteFor:
		return "FOR"
	case VoteAbstain:
		return "ABSTAIN"
	default:
		return "UNKNOWN"
	}
}

// RiskLevel is the qualitative classification reported by the analysis
// service alongside the composite score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Recommendation is the analysis service's verdict for a proposal.
type Recommendation string

const (
	RecommendApprove Recommendation = "APPROVE"
	RecommendReview  Recommendation = "REVIEW"
	RecommendReject  Recommendation = "REJECT"
)

// AuditAction identifies the kind of append-only audit record.
type AuditAction string

const (
	ActionAutoVoteCast      AuditAction = "AUTO_VOTE_CAST"
	ActionAutoVoteFailed    AuditAction = "AUTO_VOTE_FAILED"
	ActionHighRiskFlagged   AuditAction = "HIGH_RISK_FLAGGED"
	ActionDelegationGranted AuditAction = "DELEGATION_GRANTED"
	ActionDelegationRevoked AuditAction = "DELEGATION_REVOKED"
	ActionProposalDetected  AuditAction = "PROPOSAL_DETECTED"
)

// Proposal is a governance proposal detected on chain. The triple
// (OnchainProposalID, DAOGovernor, ChainID) is unique; addresses are
// stored lower-cased.
type Proposal struct {
	ID                int64
	OnchainProposalID string // decimal uint256
	DAOGovernor       string
	ChainID           uint64
	Title             string
	Description       string
	Proposer          string
	VotingStartBlock  uint64
	VotingEndBlock    uint64
	Targets           []string
	Values            []string // decimal uint256 per entry
	Calldatas         []string // 0x-prefixed hex per entry
	DetectedBlock     uint64
	CreationTxHash    string
	Status            ProposalStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Delegation is a user's standing instruction that the executor may
// vote on their behalf, unique per (Delegator, DAOGovernor, ChainID).
type Delegation struct {
	ID               int64
	Delegator        string
	DAOGovernor      string
	ChainID          uint64
	RiskThreshold    int // 0..100
	RequiresApproval bool
	Status           DelegationStatus
	LastEventBlock   uint64
	LastEventTxHash  string
	RevokeTxHash     string // set only while Status == REVOKED
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Analysis is the terminal result produced by the external risk
// scoring service for one proposal. Partial progress is never stored.
type Analysis struct {
	AnalysisID         string
	ProposalID         int64
	CompositeRiskScore int // 0..100, rounded from the wire value
	RiskLevel          RiskLevel
	Recommendation     Recommendation
	ReportHash         []byte // 32 bytes, nil when the worker supplied none
	ProcessingTimeMs   int64
	ModelVersion       string
	CreatedAt          time.Time
}

// AuditEntry is one append-only audit record. Nothing is ever updated
// or deleted; the audit log is the canonical externally-visible record
// of what the orchestrator did.
type AuditEntry struct {
	ID            int64
	Action        AuditAction
	ProposalID    *int64
	DAOGovernor   string
	Delegator     *string
	VoteDirection *VoteDirection
	RiskScore     *int
	TxHash        *string
	WasAutoVote   bool
	Metadata      map[string]interface{}
	CreatedAt     time.Time
}

// MetadataJSON renders the metadata object for storage, defaulting to
// an empty object rather than SQL NULL so readers can always unmarshal.
func (e *AuditEntry) MetadataJSON() ([]byte, error) {
	if e.Metadata == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Metadata)
}
