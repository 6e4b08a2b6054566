// Package testing provides an in-memory Database double for service
// tests. It mirrors the Postgres store's contracts: idempotent
// upserts, the status transition order, the duplicate-grant no-op,
// the analysis overwrite guard and context cancellation.
package testing

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/daosentry/daosentry/db"
	"github.com/daosentry/daosentry/types"
)

// FakeDB is a threadsafe in-memory db.Database.
type FakeDB struct {
	mu          sync.Mutex
	nextID      int64
	proposals   map[int64]*types.Proposal
	delegations map[string]*types.Delegation
	analyses    map[int64]*types.Analysis
	audit       []*types.AuditEntry
}

var _ db.Database = (*FakeDB)(nil)

// SetupDB returns an empty fake store.
func SetupDB() *FakeDB {
	return &FakeDB{
		nextID:      1,
		proposals:   make(map[int64]*types.Proposal),
		delegations: make(map[string]*types.Delegation),
		analyses:    make(map[int64]*types.Analysis),
	}
}

func delegationKey(delegator, governor string, chainID uint64) string {
	return strings.ToLower(delegator) + "|" + strings.ToLower(governor) + "|" + strconv.FormatUint(chainID, 10)
}

// UpsertProposal implements db.Database.
func (f *FakeDB) UpsertProposal(ctx context.Context, p *types.Proposal) (*types.Proposal, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if p.VotingStartBlock >= p.VotingEndBlock {
		return nil, false, errors.Errorf("invalid voting window: start %d >= end %d", p.VotingStartBlock, p.VotingEndBlock)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.proposals {
		if existing.OnchainProposalID == p.OnchainProposalID &&
			existing.DAOGovernor == strings.ToLower(p.DAOGovernor) &&
			existing.ChainID == p.ChainID {
			existing.Title = p.Title
			existing.Description = p.Description
			existing.Proposer = strings.ToLower(p.Proposer)
			existing.VotingStartBlock = p.VotingStartBlock
			existing.VotingEndBlock = p.VotingEndBlock
			existing.Targets = p.Targets
			existing.Values = p.Values
			existing.Calldatas = p.Calldatas
			existing.UpdatedAt = time.Now()
			cp := *existing
			return &cp, false, nil
		}
	}
	stored := *p
	stored.ID = f.nextID
	f.nextID++
	stored.DAOGovernor = strings.ToLower(p.DAOGovernor)
	stored.Proposer = strings.ToLower(p.Proposer)
	stored.CreationTxHash = strings.ToLower(p.CreationTxHash)
	stored.Status = types.StatusPendingAnalysis
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	f.proposals[stored.ID] = &stored
	cp := stored
	return &cp, true, nil
}

// Proposal implements db.Database.
func (f *FakeDB) Proposal(ctx context.Context, id int64) (*types.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// ProposalByOnchainKey implements db.Database.
func (f *FakeDB) ProposalByOnchainKey(ctx context.Context, onchainID, governor string, chainID uint64) (*types.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.proposals {
		if p.OnchainProposalID == onchainID && p.DAOGovernor == strings.ToLower(governor) && p.ChainID == chainID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

// TransitionProposalStatus implements db.Database.
func (f *FakeDB) TransitionProposalStatus(ctx context.Context, id int64, from []types.ProposalStatus, to types.ProposalStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !to.Valid() {
		return false, errors.Errorf("unknown target status %q", to)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[id]
	if !ok {
		return false, nil
	}
	for _, fs := range from {
		if p.Status == fs && fs.CanTransitionTo(to) {
			p.Status = to
			p.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

// UpsertDelegation implements db.Database.
func (f *FakeDB) UpsertDelegation(ctx context.Context, d *types.Delegation) (*types.Delegation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if d.RiskThreshold < 0 || d.RiskThreshold > 100 {
		return nil, false, errors.Errorf("risk threshold %d out of range", d.RiskThreshold)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := delegationKey(d.Delegator, d.DAOGovernor, d.ChainID)
	if existing, ok := f.delegations[key]; ok {
		unchanged := existing.RiskThreshold == d.RiskThreshold &&
			existing.RequiresApproval == d.RequiresApproval &&
			existing.Status == types.DelegationActive &&
			existing.LastEventTxHash == strings.ToLower(d.LastEventTxHash)
		if unchanged {
			cp := *existing
			return &cp, false, nil
		}
		existing.RiskThreshold = d.RiskThreshold
		existing.RequiresApproval = d.RequiresApproval
		existing.Status = types.DelegationActive
		existing.RevokeTxHash = ""
		existing.LastEventBlock = d.LastEventBlock
		existing.LastEventTxHash = strings.ToLower(d.LastEventTxHash)
		existing.UpdatedAt = time.Now()
		cp := *existing
		return &cp, true, nil
	}
	stored := *d
	stored.ID = f.nextID
	f.nextID++
	stored.Delegator = strings.ToLower(d.Delegator)
	stored.DAOGovernor = strings.ToLower(d.DAOGovernor)
	stored.LastEventTxHash = strings.ToLower(d.LastEventTxHash)
	stored.Status = types.DelegationActive
	stored.RevokeTxHash = ""
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	f.delegations[key] = &stored
	cp := stored
	return &cp, true, nil
}

// MarkDelegationRevoked implements db.Database.
func (f *FakeDB) MarkDelegationRevoked(ctx context.Context, delegator, governor string, chainID, block uint64, txHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.delegations[delegationKey(delegator, governor, chainID)]
	if !ok || d.Status != types.DelegationActive {
		return false, nil
	}
	d.Status = types.DelegationRevoked
	d.RevokeTxHash = strings.ToLower(txHash)
	d.LastEventBlock = block
	d.LastEventTxHash = strings.ToLower(txHash)
	d.UpdatedAt = time.Now()
	return true, nil
}

// ListActiveDelegations implements db.Database.
func (f *FakeDB) ListActiveDelegations(ctx context.Context, governor string, chainID uint64) ([]*types.Delegation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Delegation
	for _, d := range f.delegations {
		if d.DAOGovernor == strings.ToLower(governor) && d.ChainID == chainID && d.Status == types.DelegationActive {
			cp := *d
			out = append(out, &cp)
		}
	}
	// Deterministic order by delegator, matching the SQL store.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Delegator > out[j].Delegator; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// SaveAnalysis implements db.Database.
func (f *FakeDB) SaveAnalysis(ctx context.Context, a *types.Analysis) (*types.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.CompositeRiskScore < 0 || a.CompositeRiskScore > 100 {
		return nil, errors.Errorf("composite risk score %d out of range", a.CompositeRiskScore)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[a.ProposalID]
	if !ok {
		return nil, errors.Errorf("analysis for unknown proposal %d", a.ProposalID)
	}
	if existing, ok := f.analyses[a.ProposalID]; ok && p.Status != types.StatusPendingAnalysis {
		cp := *existing
		return &cp, nil
	}
	stored := *a
	if existing, ok := f.analyses[a.ProposalID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	f.analyses[a.ProposalID] = &stored
	cp := stored
	return &cp, nil
}

// AnalysisByProposal implements db.Database.
func (f *FakeDB) AnalysisByProposal(ctx context.Context, proposalID int64) (*types.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.analyses[proposalID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// AppendAudit implements db.Database.
func (f *FakeDB) AppendAudit(ctx context.Context, e *types.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	cp.ID = f.nextID
	f.nextID++
	cp.CreatedAt = time.Now()
	f.audit = append(f.audit, &cp)
	return nil
}

// BulkAppendAudit implements db.Database.
func (f *FakeDB) BulkAppendAudit(ctx context.Context, entries []*types.AuditEntry) error {
	for _, e := range entries {
		if err := f.AppendAudit(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// HasSuccessfulAutoVote implements db.Database.
func (f *FakeDB) HasSuccessfulAutoVote(ctx context.Context, proposalID int64, delegator string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.audit {
		if e.Action == types.ActionAutoVoteCast &&
			e.ProposalID != nil && *e.ProposalID == proposalID &&
			e.Delegator != nil && strings.EqualFold(*e.Delegator, delegator) {
			return true, nil
		}
	}
	return false, nil
}

// Close implements db.Database.
func (f *FakeDB) Close() error { return nil }

// AuditEntries returns a copy of the audit log for assertions.
func (f *FakeDB) AuditEntries() []*types.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.AuditEntry, len(f.audit))
	for i, e := range f.audit {
		cp := *e
		out[i] = &cp
	}
	return out
}

// CountAudit counts audit entries matching the action and, when
// non-nil, the proposal and delegator filters.
func (f *FakeDB) CountAudit(action types.AuditAction, proposalID *int64, delegator *string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.audit {
		if e.Action != action {
			continue
		}
		if proposalID != nil && (e.ProposalID == nil || *e.ProposalID != *proposalID) {
			continue
		}
		if delegator != nil && (e.Delegator == nil || !strings.EqualFold(*e.Delegator, *delegator)) {
			continue
		}
		n++
	}
	return n
}

// ProposalCount returns the number of stored proposals.
func (f *FakeDB) ProposalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.proposals)
}
