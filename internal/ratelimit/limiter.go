// Package ratelimit provides Redis-backed fixed-window limits using INCR and
// EXPIRE. The message rule throttles realtime sends per user; the superlike
// rule is the daily superlike quota.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/logging"
)

// Rule defines a limit: the Redis key prefix, the number of events allowed
// per window and the window length.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 30 realtime sends per minute per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 30, Window: time.Minute}

	// RuleSuperlike allows 3 superlikes per user per day.
	RuleSuperlike = Rule{Key: "rl:superlike:", Limit: 3, Window: 24 * time.Hour}
)

// MessageRule returns RuleMessage with a configured limit.
func MessageRule(perMinute int) Rule {
	r := RuleMessage
	if perMinute > 0 {
		r.Limit = perMinute
	}
	return r
}

// SuperlikeRule returns RuleSuperlike with a configured daily quota. A quota
// of zero disables superlikes.
func SuperlikeRule(perDay int) Rule {
	r := RuleSuperlike
	r.Limit = perDay
	return r
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter performs rate limit checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *zap.Logger) *Limiter {
	return &Limiter{client: client, log: logging.Component(log, "ratelimit")}
}

// Allow counts one event for identifier under rule. The first increment in
// a window sets the expiry. On Redis errors Allow fails open and returns the
// error alongside an allowing decision.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("incr failed, failing open", zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true, Remaining: rule.Limit}, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			// A key without a TTL would throttle the identifier forever.
			l.log.Warn("expire failed, failing open", zap.String("key", key), zap.Error(err))
			l.client.Del(ctx, key)
			return Decision{Allowed: true, Remaining: rule.Limit - 1}, err
		}
	}

	if int(count) <= rule.Limit {
		return Decision{Allowed: true, Remaining: rule.Limit - int(count)}, nil
	}

	retry, err := l.client.PTTL(ctx, key).Result()
	if err != nil || retry < 0 {
		retry = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

// Refund gives back one event counted by Allow. It is used when the action
// the event paid for did not happen.
func (l *Limiter) Refund(ctx context.Context, identifier string, rule Rule) {
	key := rule.Key + identifier
	n, err := l.client.Decr(ctx, key).Result()
	if err != nil {
		l.log.Warn("decr failed", zap.String("key", key), zap.Error(err))
		return
	}
	if n <= 0 {
		l.client.Del(ctx, key)
	}
}

// Remaining returns the events left in the current window. It returns the
// full limit when the key does not exist or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("get failed, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}
