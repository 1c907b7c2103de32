package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// INCR then arm the expiry on the first hit of a window. A key that somehow
// lost its TTL is re-armed so it can never count forever.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Never creates a key, so a refund cannot leave a counter without expiry.
var refundScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)

var errUnexpectedScriptResult = errors.New("unexpected rate limit script result")

// RedisLimiter keeps counters in Redis so every gateway instance shares one
// ceiling. When Redis is unreachable it fails open: the request is admitted
// with Degraded set, OnDegraded is called and a warning is logged. If Fallback
// is set, the degraded decision comes from the local limiter instead.
type RedisLimiter struct {
	Client     redis.UniversalClient
	Prefix     string
	Timeout    time.Duration
	Fallback   Limiter
	OnDegraded func(err error)
	Logger     *zap.Logger
	now        func() time.Time
}

func NewRedis(client redis.UniversalClient, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		Client:  client,
		Prefix:  "rl:",
		Timeout: 2 * time.Second,
		Logger:  logger,
		now:     time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l.Client == nil {
		return l.degraded(ctx, key, limit, window, errors.New("redis client not configured"))
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return l.degraded(ctx, key, limit, window, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.degraded(ctx, key, limit, window, errUnexpectedScriptResult)
	}
	count, okCount := vals[0].(int64)
	ttlMs, okTTL := vals[1].(int64)
	if !okCount || !okTTL {
		return l.degraded(ctx, key, limit, window, errUnexpectedScriptResult)
	}
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return decide(int(count), limit, l.clock().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *RedisLimiter) Refund(ctx context.Context, key string) {
	if l.Client == nil {
		if l.Fallback != nil {
			l.Fallback.Refund(ctx, key)
		}
		return
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if err := refundScript.Run(ctx, l.Client, []string{l.Prefix + key}).Err(); err != nil {
		l.logger().Warn("rate limit refund failed", zap.String("key", key), zap.Error(err))
	}
}

func (l *RedisLimiter) degraded(ctx context.Context, key string, limit int, window time.Duration, cause error) Decision {
	if l.OnDegraded != nil {
		l.OnDegraded(cause)
	}
	l.logger().Warn("rate limit store unavailable, admitting request",
		zap.String("key", key),
		zap.Error(cause),
	)
	if l.Fallback != nil {
		d := l.Fallback.Allow(ctx, key, limit, window)
		d.Degraded = true
		return d
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   l.clock().UTC().Add(window),
		Degraded:  true,
	}
}

func (l *RedisLimiter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.Timeout)
}

func (l *RedisLimiter) clock() time.Time {
	if l.now == nil {
		return time.Now()
	}
	return l.now()
}

func (l *RedisLimiter) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}
