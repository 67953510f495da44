// Package ratelimit throttles per-user actions with Redis INCR + EXPIRE
// fixed windows. Every check fails open: a Redis outage never blocks a
// session start, a decline or a chat message.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:start:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Rules groups the per-action policies of the live API.
type Rules struct {
	SessionStart Rule
	Decline      Rule
	Message      Rule
}

// DefaultRules returns the production policies.
func DefaultRules() Rules {
	return Rules{
		// Starting, ending and restarting in a loop is the abuse case.
		SessionStart: Rule{Key: "rl:start:", Limit: 5, Window: 10 * time.Minute},
		Decline:      Rule{Key: "rl:decline:", Limit: 20, Window: 10 * time.Minute},
		Message:      Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second},
	}
}

// Limiter performs rate limiting checks against Redis. A Limiter with a nil
// client allows everything.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments identifier's counter for rule and reports whether it is
// still within the limit. Redis errors are returned alongside true.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if l.client == nil || rule.Limit <= 0 {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would throttle the user forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests identifier has left in the current
// window. Missing keys and Redis errors report the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	if l.client == nil {
		return rule.Limit, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}

// RetryAfter returns the time left in identifier's current window.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	if l.client == nil {
		return 0
	}
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return rule.Window
	}
	return ttl
}
