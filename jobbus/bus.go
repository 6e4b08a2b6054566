// Package jobbus is the priority job queue feeding proposals to the
// external analysis workers. Three FIFO lanes live in Redis lists, the
// lease table is a sorted set scored by last heartbeat, and delayed
// retries wait in a second sorted set scored by their ready time. A
// background sweeper reclaims stalled leases and promotes due retries.
package jobbus

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Priority selects the lane a job is queued on.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// lanes in lease order: high drains before normal before low.
var lanes = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// JobStatus is the lifecycle state of one analysis job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobLeased    JobStatus = "leased"
	JobDelayed   JobStatus = "delayed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

const (
	jobKeyPrefix = "analysis:job:"
	queuePrefix  = "analysis:queue:"
	leasesKey    = "analysis:leases"
	delayedKey   = "analysis:delayed"

	completedJobTTL = time.Hour

	backoffBase = time.Second
	backoffCap  = 16 * time.Second
)

// DefaultRetryAttempts is the total attempts before a job terminates.
const DefaultRetryAttempts = 3

// DefaultStallTimeout is how long a lease may go without a heartbeat
// before the sweeper reclaims it.
const DefaultStallTimeout = 30 * time.Second

// JobPayload carries everything the analysis worker needs.
type JobPayload struct {
	OnchainProposalID string            `json:"onchain_proposal_id"`
	DAOGovernor       string            `json:"dao_governor"`
	ChainID           uint64            `json:"chain_id"`
	Proposer          string            `json:"proposer"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Job is the queue descriptor for one proposal analysis. The job id is
// the proposal's internal identifier, which makes enqueueing
// idempotent by construction.
type Job struct {
	ID         int64      `json:"id"`
	Priority   Priority   `json:"priority"`
	Payload    JobPayload `json:"payload"`
	Attempts   int        `json:"attempts"`
	Status     JobStatus  `json:"status"`
	LastError  string     `json:"last_error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// ExhaustedFunc is invoked once when a job burns its final attempt.
type ExhaustedFunc func(ctx context.Context, job *Job, reason string)

// Option configures a Bus.
type Option func(b *Bus)

// WithRetryAttempts overrides the total attempt budget per job.
func WithRetryAttempts(n int) Option {
	return func(b *Bus) { b.maxAttempts = n }
}

// WithStallTimeout overrides the lease heartbeat deadline.
func WithStallTimeout(d time.Duration) Option {
	return func(b *Bus) { b.stallTimeout = d }
}

// WithExhaustedHandler sets the terminal-failure callback.
func WithExhaustedHandler(fn ExhaustedFunc) Option {
	return func(b *Bus) { b.onExhausted = fn }
}

// WithSweepInterval overrides the sweeper cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Bus) { b.sweepInterval = d }
}

// Bus is the Redis-backed job queue.
type Bus struct {
	client        redis.UniversalClient
	maxAttempts   int
	stallTimeout  time.Duration
	sweepInterval time.Duration
	onExhausted   ExhaustedFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Bus sharing the given Redis client.
func New(client redis.UniversalClient, opts ...Option) *Bus {
	b := &Bus{
		client:        client,
		maxAttempts:   DefaultRetryAttempts,
		stallTimeout:  DefaultStallTimeout,
		sweepInterval: time.Second,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func jobKey(id int64) string {
	return jobKeyPrefix + strconv.FormatInt(id, 10)
}

func queueKey(p Priority) string {
	return queuePrefix + string(p)
}

// AddJob enqueues an analysis job, keyed by the proposal's internal
// identifier. A repeated enqueue returns the existing descriptor with
// created == false and pushes nothing.
func (b *Bus) AddJob(ctx context.Context, id int64, payload JobPayload, priority Priority) (*Job, bool, error) {
	job := &Job{
		ID:         id,
		Priority:   priority,
		Payload:    payload,
		Status:     JobQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal job")
	}

	set, err := b.client.SetNX(ctx, jobKey(id), raw, 0).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "register job")
	}
	if !set {
		existing, err := b.Job(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, errors.Errorf("job %d registered but descriptor missing", id)
		}
		return existing, false, nil
	}
	if err := b.client.RPush(ctx, queueKey(priority), id).Err(); err != nil {
		return nil, false, errors.Wrap(err, "push job to lane")
	}
	jobsEnqueued.WithLabelValues(string(priority)).Inc()
	return job, true, nil
}

// Job loads a descriptor, or nil when unknown.
func (b *Bus) Job(ctx context.Context, id int64) (*Job, error) {
	raw, err := b.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load job")
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &job, nil
}

func (b *Bus) saveJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	ttl := time.Duration(0)
	if job.Status == JobCompleted || job.Status == JobCancelled {
		ttl = completedJobTTL
	}
	return errors.Wrap(b.client.Set(ctx, jobKey(job.ID), raw, ttl).Err(), "save job")
}

// LeaseJob hands the oldest job from the highest non-empty lane to a
// worker and starts its heartbeat clock. Returns nil when every lane
// is empty.
func (b *Bus) LeaseJob(ctx context.Context) (*Job, error) {
	for _, lane := range lanes {
		raw, err := b.client.LPop(ctx, queueKey(lane)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "pop lane")
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.WithField("entry", raw).Warn("Dropping malformed lane entry")
			continue
		}
		job, err := b.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil || job.Status == JobCancelled {
			continue
		}
		job.Status = JobLeased
		job.Attempts++
		if err := b.saveJob(ctx, job); err != nil {
			return nil, err
		}
		if err := b.client.ZAdd(ctx, leasesKey, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: raw,
		}).Err(); err != nil {
			return nil, errors.Wrap(err, "record lease")
		}
		return job, nil
	}
	return nil, nil
}

// Heartbeat refreshes a lease. A heartbeat for an unknown lease is
// ignored; the sweeper already reclaimed it.
func (b *Bus) Heartbeat(ctx context.Context, id int64) error {
	err := b.client.ZAddXX(ctx, leasesKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: strconv.FormatInt(id, 10),
	}).Err()
	return errors.Wrap(err, "heartbeat")
}

// CompleteJob marks a leased job done and drops its lease.
func (b *Bus) CompleteJob(ctx context.Context, id int64) error {
	if err := b.client.ZRem(ctx, leasesKey, strconv.FormatInt(id, 10)).Err(); err != nil {
		return errors.Wrap(err, "drop lease")
	}
	job, err := b.Job(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	job.Status = JobCompleted
	jobsCompleted.Inc()
	return b.saveJob(ctx, job)
}

// FailJob records a failed attempt. The job is re-queued after an
// exponential backoff with jitter until its attempt budget runs out;
// the final failure invokes the exhaustion callback exactly once.
func (b *Bus) FailJob(ctx context.Context, id int64, reason string) error {
	if err := b.client.ZRem(ctx, leasesKey, strconv.FormatInt(id, 10)).Err(); err != nil {
		return errors.Wrap(err, "drop lease")
	}
	job, err := b.Job(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.Status == JobCancelled || job.Status == JobFailed {
		return nil
	}
	job.LastError = reason

	if job.Attempts >= b.maxAttempts {
		job.Status = JobFailed
		if err := b.saveJob(ctx, job); err != nil {
			return err
		}
		jobsExhausted.Inc()
		log.WithFields(log.Fields{
			"job":      id,
			"attempts": job.Attempts,
			"reason":   reason,
		}).Error("Analysis job exhausted its retries")
		if b.onExhausted != nil {
			b.onExhausted(ctx, job, reason)
		}
		return nil
	}

	job.Status = JobDelayed
	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	delay := b.backoffDelay(job.Attempts)
	readyAt := time.Now().Add(delay)
	jobsRetried.Inc()
	log.WithFields(log.Fields{
		"job":     id,
		"attempt": job.Attempts,
		"delay":   delay,
	}).Warn("Analysis job failed, scheduling retry")
	err = b.client.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: strconv.FormatInt(id, 10),
	}).Err()
	return errors.Wrap(err, "schedule retry")
}

// CancelJob removes pending attempts for a job. An in-flight lease is
// left alone; its eventual result is simply discarded.
func (b *Bus) CancelJob(ctx context.Context, id int64) error {
	member := strconv.FormatInt(id, 10)
	for _, lane := range lanes {
		if err := b.client.LRem(ctx, queueKey(lane), 0, id).Err(); err != nil {
			return errors.Wrap(err, "remove from lane")
		}
	}
	if err := b.client.ZRem(ctx, delayedKey, member).Err(); err != nil {
		return errors.Wrap(err, "remove from delayed set")
	}
	job, err := b.Job(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.Status == JobCompleted || job.Status == JobFailed {
		return nil
	}
	job.Status = JobCancelled
	return b.saveJob(ctx, job)
}

// backoffDelay is exponential with full jitter in the upper half:
// 1s, 2s, 4s, ... capped at 16s.
func (b *Bus) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << uint(attempt-1)
	if d > backoffCap {
		d = backoffCap
	}
	b.rngMu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(d)/2 + 1))
	b.rngMu.Unlock()
	return d/2 + jitter
}
