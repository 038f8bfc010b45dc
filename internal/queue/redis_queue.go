// Package queue keeps the Redis side of background jobs: ready lists per
// priority, a scheduled set for delayed runs, an in-flight set of leases and
// a dead-letter list. Job rows themselves live in Postgres.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"listing-curator/internal/config"
)

const keyPrefix = "curator:queue:"

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
type RedisQueue struct {
	client        *redis.Client
	priorities    []string
	fallback      string
	inflightKey   string
	scheduledKey  string
	readyPrefix   string
	metaPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	return NewRedisQueueWithClient(NewClient(cfg), cfg)
}

// NewClient opens the Redis client shared by the queue and the rate limiter.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueueWithClient builds a queue on an existing client. Priorities
// are drained in the order configured.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = keyPrefix + "dlq"
	}
	q := &RedisQueue{
		client:        client,
		priorities:    priorities,
		fallback:      priorities[len(priorities)-1],
		inflightKey:   keyPrefix + "inflight",
		scheduledKey:  keyPrefix + "scheduled",
		readyPrefix:   keyPrefix + "ready:",
		metaPrefix:    keyPrefix + "meta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
	for _, p := range priorities {
		if p == "default" {
			q.fallback = p
		}
	}
	return q
}

// priority maps unknown or empty priorities onto a configured one, so no job
// lands in a list nobody drains.
func (q *RedisQueue) priority(p string) string {
	for _, known := range q.priorities {
		if p == known {
			return p
		}
	}
	return q.fallback
}

func (q *RedisQueue) readyKey(priority string) string {
	return q.readyPrefix + priority
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Enqueue makes a job ready now, or schedules it when runAt is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	priority = q.priority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule defers a job until runAt. Retries use it after the backoff.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error {
	priority = q.priority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready lists and
// returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	return len(ids), err
}

// RequeueExpired makes jobs whose lease ran out ready again and returns their ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

// moveDue atomically moves members of the sorted set src scored at or before
// now onto the ready list of their priority. Two workers racing on the same
// member move it once.
func (q *RedisQueue) moveDue(ctx context.Context, src string, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := moveDueScript.Run(ctx, q.client, []string{src},
		now.UnixMilli(), limit, q.readyPrefix, q.metaPrefix, q.fallback).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("move due jobs from %s: %w", src, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res, nil
}

// DequeueWithLease pops the next job in priority order and leases it for the
// visibility timeout. It returns "" when every ready list is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorities)+1)
	for _, p := range q.priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline of an in-flight job to now+extension.
// A job that is no longer leased is left alone.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack drops the lease and the queue metadata of a finished job.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel removes a job from every ready list and from the scheduled and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorities {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush records a dead-lettered job id for operators.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek returns up to count dead-lettered job ids, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Ping checks connectivity for health probes.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// ReadyDepth returns the total length of all ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorities))
	for _, p := range q.priorities {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// KEYS: ready lists in priority order, then the in-flight set.
// ARGV[1]: lease deadline in ms.
var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

// KEYS[1]: source sorted set.
// ARGV: max score, limit, ready key prefix, meta key prefix, fallback priority.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local p = redis.call('HGET', ARGV[4] .. id, 'priority')
    if not p or p == '' then p = ARGV[5] end
    redis.call('RPUSH', ARGV[3] .. p, id)
    table.insert(moved, id)
  end
end
return moved
`)
