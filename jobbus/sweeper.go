package jobbus

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// StartSweeper runs the background maintenance loop until Stop is
// called. It reclaims leases whose workers stopped heartbeating and
// promotes delayed retries whose backoff has elapsed.
func (b *Bus) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.Sweep(ctx); err != nil && ctx.Err() == nil {
					log.WithError(err).Error("Job bus sweep failed")
				}
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (b *Bus) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

// Sweep performs one maintenance pass.
func (b *Bus) Sweep(ctx context.Context) error {
	if err := b.reclaimStalled(ctx); err != nil {
		return err
	}
	return b.promoteDelayed(ctx)
}

// reclaimStalled fails every lease whose last heartbeat is older than
// the stall timeout. FailJob applies the normal retry accounting, so a
// crashed worker consumes an attempt just like an explicit failure.
func (b *Bus) reclaimStalled(ctx context.Context) error {
	deadline := time.Now().Add(-b.stallTimeout).UnixMilli()
	stalled, err := b.client.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(deadline, 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "scan stalled leases")
	}
	for _, member := range stalled {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			b.client.ZRem(ctx, leasesKey, member)
			continue
		}
		leasesReclaimed.Inc()
		log.WithField("job", id).Warn("Reclaiming stalled analysis lease")
		if err := b.FailJob(ctx, id, "lease stalled"); err != nil {
			return err
		}
	}
	return nil
}

// promoteDelayed moves due retries back onto their lanes.
func (b *Bus) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return errors.Wrap(err, "scan delayed jobs")
	}
	for _, member := range due {
		removed, err := b.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return errors.Wrap(err, "remove promoted job")
		}
		if removed == 0 {
			continue
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		job, err := b.Job(ctx, id)
		if err != nil {
			return err
		}
		if job == nil || job.Status != JobDelayed {
			continue
		}
		job.Status = JobQueued
		if err := b.saveJob(ctx, job); err != nil {
			return err
		}
		if err := b.client.RPush(ctx, queueKey(job.Priority), member).Err(); err != nil {
			return errors.Wrap(err, "requeue promoted job")
		}
	}
	return nil
}
