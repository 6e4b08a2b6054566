package kvstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(client)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestLastScannedBlockMissing(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, ok, err := s.LastScannedBlock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanCursorRoundTrip(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetLastScannedBlock(ctx, 15000))
	n, ok, err := s.LastScannedBlock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(15000), n)
}

func TestScanCursorNeverRegresses(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetLastScannedBlock(ctx, 5000))
	err := s.SetLastScannedBlock(ctx, 4999)
	require.Error(t, err)

	n, _, err := s.LastScannedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), n)

	// Equal writes are a no-op, not an error.
	require.NoError(t, s.SetLastScannedBlock(ctx, 5000))
}

func TestProposalLockMutualExclusion(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	ok, err := s.AcquireProposalLock(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireProposalLock(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok, "second acquisition must fail while held")

	// The lock self-heals once the TTL elapses.
	mr.FastForward(ProposalLockTTL + time.Second)
	ok, err = s.AcquireProposalLock(ctx, "42")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProposalLockRelease(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	ok, err := s.AcquireProposalLock(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseProposalLock(ctx, "7"))

	ok, err = s.AcquireProposalLock(ctx, "7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTakeAnalysisResult(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	payload := []byte(`{"type":"complete"}`)
	require.NoError(t, s.SetAnalysisResult(ctx, 11, payload, time.Minute))

	got, err := s.AnalysisResult(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = s.TakeAnalysisResult(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = s.TakeAnalysisResult(ctx, 11)
	require.NoError(t, err)
	assert.Nil(t, got, "second take must observe the deletion")
}

func TestAllowSlidingWindow(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := s.Allow(ctx, "rl:test", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d within limit", i)
	}
	ok, err := s.Allow(ctx, "rl:test", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "fourth attempt exceeds the window")
}

func TestAllowLastSlotAdmitsExactlyOne(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := s.Allow(ctx, "rl:race", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Two callers racing for the final slot.
	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Allow(ctx, "rl:race", 3, time.Minute)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted, "exactly one racer may take the last slot")
}

func TestEventsChannelRoundTrip(t *testing.T) {
	ch := EventsChannel(9231)
	assert.Equal(t, "analysis:events:9231", ch)

	id, err := ParseEventsChannel(ch)
	require.NoError(t, err)
	assert.Equal(t, int64(9231), id)

	_, err = ParseEventsChannel("analysis:result:9231")
	require.Error(t, err)
	_, err = ParseEventsChannel("analysis:events:abc")
	require.Error(t, err)
}

func TestPublishSubscribe(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	sub := s.Subscribe(ctx, EventsChannel(5))
	t.Cleanup(func() { _ = sub.Close() })
	// Wait for the subscription to be established before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, EventsChannel(5), []byte("hello")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pub/sub delivery")
	}
}
