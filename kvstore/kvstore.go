// Package kvstore wraps the Redis surface shared by the scanner, the
// analysis job bus and the vote executor: the durable scan cursor,
// short-lived proposal locks, the analysis result cache, a sliding
// window rate limiter and the pub/sub transport for analysis events.
//
// Loss of the volatile keys (locks, cached results) is tolerated by
// design; loss of the cursor degrades to a re-scan from the configured
// floor block, which is safe because all downstream writes are
// idempotent.
package kvstore

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	lastBlockKey       = "scanner:last_block"
	proposalLockPrefix = "scanner:lock:"
	resultPrefix       = "analysis:result:"
	eventsPrefix       = "analysis:events:"

	// EventsPattern matches every per-proposal analysis event channel.
	EventsPattern = eventsPrefix + "*"
)

// ProposalLockTTL bounds how long a scanner instance may hold a
// per-proposal write lock before it self-heals.
const ProposalLockTTL = 30 * time.Second

// Store is a thin, typed facade over a Redis client.
type Store struct {
	client redis.UniversalClient
}

// New connects to the Redis instance at addr.
func New(addr, password string, db int) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient wraps an existing client. Used by tests running
// against miniredis.
func NewWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LastScannedBlock returns the durable cursor and whether it exists.
func (s *Store) LastScannedBlock(ctx context.Context) (uint64, bool, error) {
	val, err := s.client.Get(ctx, lastBlockKey).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "read scan cursor")
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "malformed scan cursor %q", val)
	}
	return n, true, nil
}

// SetLastScannedBlock advances the cursor. The cursor is owned by a
// single scanner task, so monotonicity is the caller's invariant; a
// stale write is still refused here as a safety net.
func (s *Store) SetLastScannedBlock(ctx context.Context, block uint64) error {
	current, ok, err := s.LastScannedBlock(ctx)
	if err != nil {
		return err
	}
	if ok && block < current {
		return errors.Errorf("refusing to move scan cursor backwards: %d < %d", block, current)
	}
	return errors.Wrap(s.client.Set(ctx, lastBlockKey, strconv.FormatUint(block, 10), 0).Err(), "write scan cursor")
}

// AcquireProposalLock takes the per-proposal write lock with a 30s TTL.
// Returns false when another scanner instance already holds it.
func (s *Store) AcquireProposalLock(ctx context.Context, onchainProposalID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, proposalLockPrefix+onchainProposalID, "1", ProposalLockTTL).Result()
	return ok, errors.Wrap(err, "acquire proposal lock")
}

// ReleaseProposalLock drops the per-proposal write lock early.
func (s *Store) ReleaseProposalLock(ctx context.Context, onchainProposalID string) error {
	return errors.Wrap(s.client.Del(ctx, proposalLockPrefix+onchainProposalID).Err(), "release proposal lock")
}

// SetAnalysisResult caches the final analysis payload for a bounded TTL.
func (s *Store) SetAnalysisResult(ctx context.Context, proposalID int64, payload []byte, ttl time.Duration) error {
	return errors.Wrap(s.client.Set(ctx, ResultKey(proposalID), payload, ttl).Err(), "cache analysis result")
}

// AnalysisResult returns the cached result payload, or nil when absent.
func (s *Store) AnalysisResult(ctx context.Context, proposalID int64) ([]byte, error) {
	val, err := s.client.Get(ctx, ResultKey(proposalID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, errors.Wrap(err, "read analysis result")
}

// TakeAnalysisResult atomically reads and removes the cached result.
func (s *Store) TakeAnalysisResult(ctx context.Context, proposalID int64) ([]byte, error) {
	val, err := s.client.GetDel(ctx, ResultKey(proposalID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, errors.Wrap(err, "take analysis result")
}

// allowScript trims, counts and records in one atomic step so two
// callers racing at limit-1 cannot both pass.
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '0', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var allowSeq atomic.Int64

// Allow implements a sliding-window rate limiter on a sorted set. It
// records the current attempt and reports whether the caller stays
// within limit events per window.
func (s *Store) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	now := time.Now().UnixNano()
	cutoff := now - window.Nanoseconds()
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatInt(allowSeq.Add(1), 10)

	res, err := allowScript.Run(ctx, s.client, []string{key},
		strconv.FormatInt(cutoff, 10),
		limit,
		strconv.FormatInt(now, 10),
		member,
		window.Milliseconds(),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "rate limit window")
	}
	return res == 1, nil
}

// Publish sends a payload on a channel. Channels are FIFO per
// publisher; there is no cross-channel ordering guarantee.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return errors.Wrap(s.client.Publish(ctx, channel, payload).Err(), "publish")
}

// Subscribe opens a subscription owned by the caller. The caller must
// Close it; reconnection is handled inside go-redis.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.client.Subscribe(ctx, channels...)
}

// PSubscribe opens a pattern subscription owned by the caller.
func (s *Store) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return s.client.PSubscribe(ctx, pattern)
}

// Client exposes the underlying Redis client for collaborators that
// share the connection pool, such as the job bus lease table.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// ResultKey is the cache key for a proposal's final analysis payload.
func ResultKey(proposalID int64) string {
	return resultPrefix + strconv.FormatInt(proposalID, 10)
}

// EventsChannel is the pub/sub channel carrying progress and result
// messages for one proposal.
func EventsChannel(proposalID int64) string {
	return eventsPrefix + strconv.FormatInt(proposalID, 10)
}

// ParseEventsChannel extracts the proposal identifier from a channel
// name produced by EventsChannel.
func ParseEventsChannel(channel string) (int64, error) {
	if len(channel) <= len(eventsPrefix) || channel[:len(eventsPrefix)] != eventsPrefix {
		return 0, errors.Errorf("not an analysis events channel: %q", channel)
	}
	id, err := strconv.ParseInt(channel[len(eventsPrefix):], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed analysis events channel %q", channel)
	}
	return id, nil
}
