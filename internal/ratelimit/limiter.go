// Package ratelimit provides Redis-backed throttling for the push endpoint
// and the store API using the INCR + EXPIRE fixed window algorithm. Each
// rule throttles one action class: posting messages, opening channels,
// uploading images.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a throttling policy: the Redis key prefix, maximum number
// of actions allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 10 posted messages per 10 seconds per sender.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect allows 5 channel opens per minute per remote address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}

	// RuleUpload allows 3 image uploads per minute per sender.
	RuleUpload = Rule{Key: "rl:upload:", Limit: 3, Window: 1 * time.Minute}
)

// Limiter performs throttling checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the identifier is within the rule's limit. It
// increments the counter and sets the expiry on first access.
//
// Returns true if the action is allowed, false if throttled. On Redis
// errors the method fails open so a Redis outage does not block
// legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL. Best effort: delete it so it
			// does not throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of actions the identifier has left in the
// current window. Returns the full limit if the key does not exist yet,
// and on Redis errors (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the identifier's counter for the given rule. Used by
// administrative tooling.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	return l.client.Del(ctx, rule.Key+identifier).Err()
}
