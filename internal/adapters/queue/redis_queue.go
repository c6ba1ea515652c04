// Package queue implements durable job queues for the delivery coordinator
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

var _ ports.JobQueue = (*RedisQueue)(nil)

// RedisQueueConfig tunes the Redis-backed queue
type RedisQueueConfig struct {
	Prefix       string
	PollInterval time.Duration // how long Dequeue waits for work before returning nil
	PopInterval  time.Duration // pause between pop attempts while waiting
	LeaseTTL     time.Duration // a delivery not settled within this is redelivered
	NackDelay    time.Duration
	PromoteBatch int
}

// DefaultRedisQueueConfig returns production defaults
func DefaultRedisQueueConfig() RedisQueueConfig {
	return RedisQueueConfig{
		Prefix:       "outreach:queue:",
		PollInterval: 2 * time.Second,
		PopInterval:  100 * time.Millisecond,
		LeaseTTL:     5 * time.Minute,
		NackDelay:    time.Second,
		PromoteBatch: 100,
	}
}

// RedisQueue keeps jobs in four keys per queue:
//
//	<prefix><queue>:jobs        hash   job ID -> JSON body
//	<prefix><queue>:ready       list   job IDs due now (LPUSH / RPOP)
//	<prefix><queue>:delayed     zset   job IDs scored by due time (unix ms)
//	<prefix><queue>:processing  zset   job IDs scored by lease deadline (unix ms)
//
// Expired leases are moved back to ready, so a crashed worker's job is redelivered.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisQueueConfig
	closed atomic.Bool
	now    func() time.Time
}

// NewRedisQueue creates a queue on an existing client; the client is owned by the caller
func NewRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

type redisKeys struct {
	jobs, ready, delayed, processing string
}

func (q *RedisQueue) keys(queue string) redisKeys {
	base := q.cfg.Prefix + queue
	return redisKeys{
		jobs:       base + ":jobs",
		ready:      base + ":ready",
		delayed:    base + ":delayed",
		processing: base + ":processing",
	}
}

// promoteScript moves due delayed jobs and expired leases to the ready list
var promoteScript = redis.NewScript(`
local moved = 0
for _, key in ipairs({KEYS[1], KEYS[2]}) do
	local ids = redis.call('ZRANGEBYSCORE', key, '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
	for _, id in ipairs(ids) do
		redis.call('ZREM', key, id)
		redis.call('LPUSH', KEYS[3], id)
		moved = moved + 1
	end
end
return moved
`)

// popScript takes the oldest ready job and leases it in one step.
// Returns an empty string when the ID has no body (already acked).
var popScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
local body = redis.call('HGET', KEYS[3], id)
if not body then
	return ''
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return body
`)

// Enqueue stores the job and makes it ready at its ScheduledAt
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, job *domain.SendJob) error {
	if q.closed.Load() {
		return domain.ErrQueueClosed
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	k := q.keys(queue)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.jobs, job.ID, body)
		if job.ScheduledAt.After(q.now()) {
			pipe.ZAdd(ctx, k.delayed, redis.Z{Score: float64(job.ScheduledAt.UnixMilli()), Member: job.ID})
		} else {
			pipe.LPush(ctx, k.ready, job.ID)
		}
		return nil
	})
	if err != nil {
		slog.Error("Failed to enqueue job",
			"error", err,
			"job_id", job.ID,
			"queue", queue,
		)
		return fmt.Errorf("enqueue job: %w", err)
	}

	slog.Debug("Job enqueued",
		"job_id", job.ID,
		"queue", queue,
		"scheduled_at", job.ScheduledAt,
	)
	return nil
}

// Dequeue waits up to PollInterval for a ready job
func (q *RedisQueue) Dequeue(ctx context.Context, queue string) (ports.Delivery, error) {
	deadline := q.now().Add(q.cfg.PollInterval)
	for {
		if q.closed.Load() {
			return nil, domain.ErrQueueClosed
		}
		if err := q.promote(ctx, queue); err != nil {
			return nil, err
		}
		d, err := q.pop(ctx, queue)
		if err != nil || d != nil {
			return d, err
		}

		wait := min(q.cfg.PopInterval, deadline.Sub(q.now()))
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RedisQueue) promote(ctx context.Context, queue string) error {
	k := q.keys(queue)
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{k.delayed, k.processing, k.ready},
		q.now().UnixMilli(), q.cfg.PromoteBatch,
	).Int()
	if err != nil {
		return fmt.Errorf("promote due jobs: %w", err)
	}
	if moved > 0 {
		slog.Debug("Promoted due jobs", "queue", queue, "count", moved)
	}
	return nil
}

func (q *RedisQueue) pop(ctx context.Context, queue string) (ports.Delivery, error) {
	k := q.keys(queue)
	lease := q.now().Add(q.cfg.LeaseTTL).UnixMilli()

	for {
		body, err := popScript.Run(ctx, q.client, []string{k.ready, k.processing, k.jobs}, lease).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pop job: %w", err)
		}
		if body == "" {
			continue
		}

		var job domain.SendJob
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			// unreadable bodies would be redelivered forever
			slog.Error("Dropping undecodable job", "error", err, "queue", queue)
			continue
		}
		return &redisDelivery{q: q, keys: k, job: &job}, nil
	}
}

// Close stops Dequeue and Enqueue; the Redis client stays open
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

// Depth reports ready, delayed and leased job counts of a queue
func (q *RedisQueue) Depth(ctx context.Context, queue string) (ready, delayed, processing int64, err error) {
	k := q.keys(queue)
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, k.ready)
	d := pipe.ZCard(ctx, k.delayed)
	p := pipe.ZCard(ctx, k.processing)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return r.Val(), d.Val(), p.Val(), nil
}

// redisDelivery is one leased job
type redisDelivery struct {
	q    *RedisQueue
	keys redisKeys
	job  *domain.SendJob
}

func (d *redisDelivery) Job() *domain.SendJob { return d.job }

// Ack drops the lease and the stored body
func (d *redisDelivery) Ack(ctx context.Context) error {
	_, err := d.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, d.keys.processing, d.job.ID)
		pipe.HDel(ctx, d.keys.jobs, d.job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Nack returns the job after NackDelay
func (d *redisDelivery) Nack(ctx context.Context) error {
	due := d.q.now().Add(d.q.cfg.NackDelay)
	_, err := d.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, d.keys.processing, d.job.ID)
		pipe.ZAdd(ctx, d.keys.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: d.job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	return nil
}

// Reschedule stores the modified job and makes it due at the given time
func (d *redisDelivery) Reschedule(ctx context.Context, job *domain.SendJob, at time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = d.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, d.keys.jobs, job.ID, body)
		pipe.ZRem(ctx, d.keys.processing, job.ID)
		pipe.ZAdd(ctx, d.keys.delayed, redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}
