package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"strategy-pipeline/internal/config"
)

// RedisQueue carries job ids from the API to workers. A job id has a meta
// record for as long as it is ready, in flight or scheduled, which makes
// Enqueue idempotent and lets recovery detect jobs missing from the queue.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over client. A zero visibility defaults to 30s.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "strategy:queue:ready",
		inflightKey:   "strategy:queue:inflight",
		scheduledKey:  "strategy:queue:scheduled",
		jobMetaPrefix: "strategy:queue:jobmeta:",
		dlqKey:        "strategy:queue:dlq",
		visibilityTTL: visibility,
	}
}

// Visibility returns the lease length handed out by DequeueWithLease.
func (q *RedisQueue) Visibility() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue pushes jobID on the ready list unless it is already queued, in
// flight or scheduled. It reports whether the id was pushed.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) (bool, error) {
	res, err := enqueueScript.Run(ctx, q.client, []string{q.metaKey(jobID), q.readyKey}, jobID, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return res == 1, nil
}

// Schedule moves an in-flight job into the scheduled set for a later retry.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HSet(ctx, q.metaKey(jobID), "run_at", runAt.UnixMilli())
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs onto the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job id and places it in flight with a visibility
// timeout. It returns the id and how many times it has been delivered, or an
// empty id when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, int, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli(), q.jobMetaPrefix).Result()
	if err == redis.Nil {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return "", 0, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	jobID, ok := arr[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("unexpected job id type from dequeue script: %T", arr[0])
	}
	deliveries, _ := arr[1].(int64)
	return jobID, int(deliveries), nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush acks jobID and appends it to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	if err := q.Ack(ctx, jobID); err != nil {
		return err
	}
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'enqueued_at', ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
local deliveries = redis.call('HINCRBY', ARGV[2] .. job, 'deliveries', 1)
return {job, deliveries}
`)
