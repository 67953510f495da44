package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyDue     = "live:tasks:due"
	keyPayload = "live:tasks:payload"
)

// ErrUnavailable is returned by every operation of a disabled queue.
var ErrUnavailable = errors.New("scheduler: delayed-task queue unavailable")

// Queue is the delayed-task abstraction the domain services depend on.
type Queue interface {
	// Schedule registers job under key to run after delay. It returns false
	// without touching the existing task when key is already pending.
	Schedule(ctx context.Context, key string, delay time.Duration, job Job) (bool, error)
	// Cancel removes a pending task. A missing key is not an error.
	Cancel(ctx context.Context, key string) error
	// Reschedule atomically replaces whatever is pending under key.
	Reschedule(ctx context.Context, key string, delay time.Duration, job Job) error
}

// Task is a claimed, due job together with its key.
type Task struct {
	Key string
	Job Job
}

// RedisQueue is the Redis-backed Queue.
type RedisQueue struct {
	rdb            *redis.Client
	now            func() time.Time
	scheduleScript *redis.Script
	replaceScript  *redis.Script
	claimScript    *redis.Script
}

// NewRedisQueue creates a queue backed by the given Redis client.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{
		rdb:            rdb,
		now:            time.Now,
		scheduleScript: redis.NewScript(scheduleLua),
		replaceScript:  redis.NewScript(replaceLua),
		claimScript:    redis.NewScript(claimLua),
	}
}

func (q *RedisQueue) runAt(delay time.Duration) string {
	return strconv.FormatInt(q.now().Add(delay).UnixMilli(), 10)
}

// Schedule implements Queue.
func (q *RedisQueue) Schedule(ctx context.Context, key string, delay time.Duration, job Job) (bool, error) {
	data, err := Encode(job)
	if err != nil {
		return false, err
	}
	n, err := q.scheduleScript.Run(ctx, q.rdb, []string{keyDue, keyPayload}, key, q.runAt(delay), data).Int()
	if err != nil {
		return false, fmt.Errorf("scheduler: schedule %s: %w", key, err)
	}
	return n == 1, nil
}

// Cancel implements Queue.
func (q *RedisQueue) Cancel(ctx context.Context, key string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyDue, key)
	pipe.HDel(ctx, keyPayload, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduler: cancel %s: %w", key, err)
	}
	return nil
}

// Reschedule implements Queue.
func (q *RedisQueue) Reschedule(ctx context.Context, key string, delay time.Duration, job Job) error {
	data, err := Encode(job)
	if err != nil {
		return err
	}
	if err := q.replaceScript.Run(ctx, q.rdb, []string{keyDue, keyPayload}, key, q.runAt(delay), data).Err(); err != nil {
		return fmt.Errorf("scheduler: reschedule %s: %w", key, err)
	}
	return nil
}

// Pending reports whether a task is waiting under key.
func (q *RedisQueue) Pending(ctx context.Context, key string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, keyDue, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Backlog returns the number of pending tasks, due or not.
func (q *RedisQueue) Backlog(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, keyDue).Result()
}

// Claim atomically removes up to limit due tasks and returns them. Tasks
// whose payload fails to decode are dropped; their errors are joined into the
// returned error alongside the tasks that did decode.
func (q *RedisQueue) Claim(ctx context.Context, limit int) ([]Task, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	flat, err := q.claimScript.Run(ctx, q.rdb, []string{keyDue, keyPayload}, now, limit).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("scheduler: claim: %w", err)
	}

	tasks := make([]Task, 0, len(flat)/2)
	var decodeErr error
	for i := 0; i+1 < len(flat); i += 2 {
		job, err := Decode([]byte(flat[i+1]))
		if err != nil {
			decodeErr = errors.Join(decodeErr, fmt.Errorf("task %s: %w", flat[i], err))
			continue
		}
		tasks = append(tasks, Task{Key: flat[i], Job: job})
	}
	return tasks, decodeErr
}

// scheduleLua adds a task only if its key is not already pending.
const scheduleLua = `
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`

// replaceLua overwrites both the run-at score and the payload of a task.
const replaceLua = `
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`

// claimLua pops due tasks. Returns a flat list of key, payload pairs.
const claimLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, key in ipairs(due) do
    if redis.call('ZREM', KEYS[1], key) == 1 then
        local payload = redis.call('HGET', KEYS[2], key)
        redis.call('HDEL', KEYS[2], key)
        if payload then
            table.insert(out, key)
            table.insert(out, payload)
        end
    end
end
return out
`
