package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is a short-lived, token-owned mutual exclusion primitive. It only
// throttles duplicate work; correctness of pairing and saving rests on the
// database row locks.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release script.
type RedisLocker struct {
	rdb          *redis.Client
	unlockScript *redis.Script
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, unlockScript: redis.NewScript(unlockLua)}
}

// TryLock acquires key for ttl if nobody holds it.
func (l *RedisLocker) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, "live:lock:"+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: lock %s: %w", key, err)
	}
	return ok, nil
}

// Unlock releases key only if it is still held by token.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if err := l.unlockScript.Run(ctx, l.rdb, []string{"live:lock:" + key}, token).Err(); err != nil {
		return fmt.Errorf("scheduler: unlock %s: %w", key, err)
	}
	return nil
}

const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// NoopLocker grants every lock. Used when Redis is unavailable.
type NoopLocker struct{}

func (NoopLocker) TryLock(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (NoopLocker) Unlock(context.Context, string, string) error { return nil }
