package scanner

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daosentry/daosentry/contracts/governor"
	"github.com/daosentry/daosentry/contracts/votingagent"
	dbtest "github.com/daosentry/daosentry/db/testing"
	"github.com/daosentry/daosentry/jobbus"
	"github.com/daosentry/daosentry/kvstore"
)

var (
	governorAddr    = common.HexToAddress("0x2222000000000000000000000000000000000002")
	votingAgentAddr = common.HexToAddress("0x3333000000000000000000000000000000000003")
	userU1          = common.HexToAddress("0x1111000000000000000000000000000000000001")
)

type fakeSub struct{ errs chan error }

func (s *fakeSub) Unsubscribe()      {}
func (s *fakeSub) Err() <-chan error { return s.errs }

type fakeClient struct {
	chainID *big.Int
	head    uint64
	logs    map[[2]uint64][]gethtypes.Log
	windows [][2]uint64
}

func (c *fakeClient) ChainID(context.Context) (*big.Int, error) { return c.chainID, nil }
func (c *fakeClient) BlockNumber(context.Context) (uint64, error) {
	return c.head, nil
}
func (c *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	w := [2]uint64{q.FromBlock.Uint64(), q.ToBlock.Uint64()}
	c.windows = append(c.windows, w)
	return c.logs[w], nil
}
func (c *fakeClient) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- gethtypes.Log) (ethereum.Subscription, error) {
	return &fakeSub{errs: make(chan error)}, nil
}
func (c *fakeClient) Close() {}

func setupService(t *testing.T, client ChainClient, extra ...Option) (*Service, *dbtest.FakeDB, *kvstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { require.NoError(t, rc.Close()) })
	kv := kvstore.NewWithClient(rc)
	database := dbtest.SetupDB()

	opts := append([]Option{
		WithRPCEndpoint("ws://stub"),
		WithGovernorAddress(governorAddr),
		WithVotingAgentAddress(votingAgentAddr),
		WithChainID(31337),
		WithDatabase(database),
		WithKVStore(kv),
		WithJobBus(jobbus.New(rc)),
		WithDialer(func(context.Context, string) (ChainClient, error) {
			return client, nil
		}),
	}, extra...)

	svc, err := NewService(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(svc.cancel)
	return svc, database, kv
}

func proposalCreatedLog(t *testing.T, proposalID int64, block uint64, desc string) gethtypes.Log {
	t.Helper()
	data, err := governor.ABI().Events["ProposalCreated"].Inputs.Pack(
		big.NewInt(proposalID),
		userU1,
		[]common.Address{},
		[]*big.Int{},
		[]string{},
		[][]byte{},
		big.NewInt(100),
		big.NewInt(200),
		desc,
	)
	require.NoError(t, err)
	return gethtypes.Log{
		Address:     governorAddr,
		Topics:      []common.Hash{governor.ProposalCreatedTopic},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xbeef"),
	}
}

func delegatedLog(t *testing.T, user common.Address, threshold int64, block uint64) gethtypes.Log {
	t.Helper()
	data, err := votingagent.ABI().Events["VotingPowerDelegated"].Inputs.NonIndexed().Pack(big.NewInt(threshold))
	require.NoError(t, err)
	return gethtypes.Log{
		Address: votingAgentAddr,
		Topics: []common.Hash{
			votingagent.VotingPowerDelegatedTopic,
			common.BytesToHash(user.Bytes()),
			common.BytesToHash(governorAddr.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xfeed"),
	}
}

func revokedLog(user common.Address, block uint64) gethtypes.Log {
	return gethtypes.Log{
		Address: votingAgentAddr,
		Topics: []common.Hash{
			votingagent.DelegationRevokedTopic,
			common.BytesToHash(user.Bytes()),
			common.BytesToHash(governorAddr.Bytes()),
		},
		BlockNumber: block,
		TxHash:      common.HexToHash("0xdead"),
	}
}

func TestHistoricalWindowMath(t *testing.T) {
	client := &fakeClient{chainID: big.NewInt(31337), head: 20000}
	svc, _, kv := setupService(t, client, WithStartBlock(1000), WithMaxBlockBatch(10000))
	require.NoError(t, kv.SetLastScannedBlock(context.Background(), 5000))

	require.NoError(t, svc.processPastLogs(client))

	assert.Equal(t, [][2]uint64{{5001, 15000}, {15001, 20000}}, client.windows)
	cursor, ok, err := kv.LastScannedBlock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(20000), cursor)
}

func TestHistoricalResumeAfterPartialSync(t *testing.T) {
	client := &fakeClient{chainID: big.NewInt(31337), head: 20000}
	svc, _, kv := setupService(t, client, WithStartBlock(1000), WithMaxBlockBatch(10000))

	// A previous run committed the first window before dying.
	require.NoError(t, kv.SetLastScannedBlock(context.Background(), 15000))
	require.NoError(t, svc.processPastLogs(client))
	assert.Equal(t, [][2]uint64{{15001, 20000}}, client.windows)
}

func TestWindowBoundaries(t *testing.T) {
	// A range of exactly maxBlockBatch blocks is one window.
	client := &fakeClient{chainID: big.NewInt(31337), head: 10000}
	svc, _, _ := setupService(t, client, WithStartBlock(1), WithMaxBlockBatch(10000))
	require.NoError(t, svc.processPastLogs(client))
	assert.Len(t, client.windows, 1)

	// One block more takes two.
	client2 := &fakeClient{chainID: big.NewInt(31337), head: 10001}
	svc2, _, _ := setupService(t, client2, WithStartBlock(1), WithMaxBlockBatch(10000))
	require.NoError(t, svc2.processPastLogs(client2))
	assert.Len(t, client2.windows, 2)
}

func TestConnectRejectsChainIDMismatch(t *testing.T) {
	client := &fakeClient{chainID: big.NewInt(1), head: 1}
	svc, _, _ := setupService(t, client)

	_, err := svc.connect()
	require.Error(t, err)
	assert.True(t, isConfigError(err))
	assert.Contains(t, err.Error(), "configured for chain 31337")
}

func TestProposalCreatedReplayIsIdempotent(t *testing.T) {
	client := &fakeClient{chainID: big.NewInt(31337), head: 1}
	svc, database, _ := setupService(t, client)

	l := proposalCreatedLog(t, 42, 12345, "# Safe Grant\n0.1 ETH")
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.handleProposalCreated(l))
	}

	assert.Equal(t, 1, database.ProposalCount())
	proposal, err := database.ProposalByOnchainKey(context.Background(), "42", strings.ToLower(governorAddr.Hex()), 31337)
	require.NoError(t, err)
	require.NotNil(t, proposal)
	assert.Equal(t, "Safe Grant", proposal.Title)
	assert.Equal(t, 1, database.CountAudit("PROPOSAL_DETECTED", &proposal.ID, nil))

	job, err := svc.bus.Job(context.Background(), proposal.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "42", job.Payload.OnchainProposalID)
}

func TestProposalSkippedWhileLockHeld(t *testing.T) {
	client := &fakeClient{chainID: big.NewInt(31337), head: 1}
	svc, database, kv := setupService(t, client)

	locked, err := kv.AcquireProposalLock(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, svc.handleProposalCreated(proposalCreatedLog(t, 42, 1, "x\n")))
	assert.Equal(t, 0, database.ProposalCount())
}

func TestGrantRevokeRegrant(t *testing.T) {
	client := &fakeClient{chainID: big.NewInt(31337), head: 1}
	svc, database, _ := setupService(t, client)
	delegator := strings.ToLower(userU1.Hex())
	dao := strings.ToLower(governorAddr.Hex())

	require.NoError(t, svc.handleDelegationGranted(delegatedLog(t, userU1, 60, 10)))
	require.NoError(t, svc.handleDelegationRevoked(revokedLog(userU1, 11)))
	require.NoError(t, svc.handleDelegationGranted(delegatedLog(t, userU1, 60, 12)))

	active, err := database.ListActiveDelegations(context.Background(), dao, 31337)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, delegator, active[0].Delegator)
	assert.Equal(t, 60, active[0].RiskThreshold)
	assert.Equal(t, uint64(12), active[0].LastEventBlock)
	assert.Empty(t, active[0].RevokeTxHash)

	assert.Equal(t, 2, database.CountAudit("DELEGATION_GRANTED", nil, &delegator))
	assert.Equal(t, 1, database.CountAudit("DELEGATION_REVOKED", nil, &delegator))
}

func TestDuplicateGrantAppendsOneAuditEntry(t *testing.T) {
	client := &fakeClient{chainID: big.NewInt(31337), head: 1}
	svc, database, _ := setupService(t, client)
	delegator := strings.ToLower(userU1.Hex())

	l := delegatedLog(t, userU1, 60, 10)
	require.NoError(t, svc.handleDelegationGranted(l))
	require.NoError(t, svc.handleDelegationGranted(l))

	active, err := database.ListActiveDelegations(context.Background(), strings.ToLower(governorAddr.Hex()), 31337)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 60, active[0].RiskThreshold)
	assert.Equal(t, 1, database.CountAudit("DELEGATION_GRANTED", nil, &delegator))
}

func TestRevokeUnknownDelegationIsIgnored(t *testing.T) {
	client := &fakeClient{chainID: big.NewInt(31337), head: 1}
	svc, database, _ := setupService(t, client)

	require.NoError(t, svc.handleDelegationRevoked(revokedLog(userU1, 5)))
	assert.Equal(t, 0, database.CountAudit("DELEGATION_REVOKED", nil, nil))
}

func TestGrantOutOfRangeThresholdRejected(t *testing.T) {
	client := &fakeClient{chainID: big.NewInt(31337), head: 1}
	svc, database, _ := setupService(t, client)

	err := svc.handleDelegationGranted(delegatedLog(t, userU1, 150, 10))
	require.Error(t, err)
	assert.Equal(t, 0, database.CountAudit("DELEGATION_GRANTED", nil, nil))
}
