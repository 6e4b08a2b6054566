package jobbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBus(t *testing.T, opts ...Option) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return New(client, opts...), mr
}

func payload(id string) JobPayload {
	return JobPayload{
		OnchainProposalID: id,
		DAOGovernor:       "0x2222000000000000000000000000000000000002",
		ChainID:           31337,
		Proposer:          "0x1111000000000000000000000000000000000001",
		Title:             "Treasury grant",
		Description:       "# Treasury grant\nSend 0.1 ETH",
	}
}

func TestAddJobIdempotent(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	job, created, err := bus.AddJob(ctx, 1, payload("42"), PriorityNormal)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, JobQueued, job.Status)

	again, created, err := bus.AddJob(ctx, 1, payload("42"), PriorityHigh)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, PriorityNormal, again.Priority)

	leased, err := bus.LeaseJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, int64(1), leased.ID)

	none, err := bus.LeaseJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "duplicate enqueue must not push a second lane entry")
}

func TestLeaseOrderRespectsPriority(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	_, _, err := bus.AddJob(ctx, 10, payload("10"), PriorityLow)
	require.NoError(t, err)
	_, _, err = bus.AddJob(ctx, 11, payload("11"), PriorityNormal)
	require.NoError(t, err)
	_, _, err = bus.AddJob(ctx, 12, payload("12"), PriorityHigh)
	require.NoError(t, err)

	var order []int64
	for {
		job, err := bus.LeaseJob(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []int64{12, 11, 10}, order)
}

func TestCompleteJobDropsLease(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	_, _, err := bus.AddJob(ctx, 5, payload("5"), PriorityNormal)
	require.NoError(t, err)
	job, err := bus.LeaseJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)

	require.NoError(t, bus.CompleteJob(ctx, 5))

	stored, err := bus.Job(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, stored.Status)

	require.NoError(t, bus.Sweep(ctx))
	none, err := bus.LeaseJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFailJobRetriesThenExhausts(t *testing.T) {
	var exhausted []int64
	bus, _ := setupBus(t,
		WithRetryAttempts(2),
		WithExhaustedHandler(func(_ context.Context, job *Job, reason string) {
			exhausted = append(exhausted, job.ID)
			assert.Equal(t, "model timeout", reason)
		}),
	)
	ctx := context.Background()

	_, _, err := bus.AddJob(ctx, 7, payload("7"), PriorityNormal)
	require.NoError(t, err)

	// First attempt fails and is scheduled for retry.
	job, err := bus.LeaseJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, bus.FailJob(ctx, 7, "model timeout"))

	stored, err := bus.Job(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, JobDelayed, stored.Status)
	assert.Empty(t, exhausted)

	// Promote the delayed retry manually and burn the last attempt.
	require.NoError(t, bus.client.ZAdd(ctx, delayedKey, redis.Z{Score: 0, Member: "7"}).Err())
	require.NoError(t, bus.Sweep(ctx))

	job, err = bus.LeaseJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
	require.NoError(t, bus.FailJob(ctx, 7, "model timeout"))

	stored, err = bus.Job(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, stored.Status)
	assert.Equal(t, []int64{7}, exhausted)

	// A terminal job is never requeued.
	require.NoError(t, bus.Sweep(ctx))
	none, err := bus.LeaseJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSweeperReclaimsStalledLease(t *testing.T) {
	bus, _ := setupBus(t, WithStallTimeout(50*time.Millisecond))
	ctx := context.Background()

	_, _, err := bus.AddJob(ctx, 9, payload("9"), PriorityNormal)
	require.NoError(t, err)
	job, err := bus.LeaseJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Backdate the lease so the sweeper sees it as stalled.
	require.NoError(t, bus.client.ZAdd(ctx, leasesKey, redis.Z{
		Score:  float64(time.Now().Add(-time.Minute).UnixMilli()),
		Member: "9",
	}).Err())
	require.NoError(t, bus.Sweep(ctx))

	stored, err := bus.Job(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, JobDelayed, stored.Status, "reclaimed lease becomes a delayed retry")
	assert.Equal(t, "lease stalled", stored.LastError)
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	bus, _ := setupBus(t, WithStallTimeout(time.Hour))
	ctx := context.Background()

	_, _, err := bus.AddJob(ctx, 3, payload("3"), PriorityNormal)
	require.NoError(t, err)
	_, err = bus.LeaseJob(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Heartbeat(ctx, 3))
	require.NoError(t, bus.Sweep(ctx))

	stored, err := bus.Job(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, JobLeased, stored.Status)
}

func TestCancelJobRemovesPendingWork(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	_, _, err := bus.AddJob(ctx, 4, payload("4"), PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, bus.CancelJob(ctx, 4))

	none, err := bus.LeaseJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	stored, err := bus.Job(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, stored.Status)
}

func TestBackoffDelayBounds(t *testing.T) {
	bus, _ := setupBus(t)
	for attempt := 1; attempt <= 6; attempt++ {
		d := bus.backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, backoffCap)
	}
}
