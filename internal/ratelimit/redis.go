package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"codeguard/internal/logger"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares the window across processes and falls back to memory when Redis fails.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client *redis.Client, window time.Duration, prefix string) *RedisLimiter {
	if window <= 0 {
		window = time.Hour
	}
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   prefix,
		Fallback: NewInMemory(window),
	}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.Fallback.Allow(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		logger.Warnf("Redis limiter unavailable, using in-memory window: %v", err)
		return l.Fallback.Allow(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.Fallback.Allow(key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

// Peek implements Limiter.
func (l *RedisLimiter) Peek(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.Fallback.Peek(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	k := l.Prefix + key
	pipe := l.Client.Pipeline()
	countCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		logger.Warnf("Redis limiter unavailable, using in-memory window: %v", err)
		return l.Fallback.Peek(key, limit)
	}
	count, err := countCmd.Int()
	if err != nil {
		count = 0
	}
	ttl := ttlCmd.Val()
	if count == 0 || ttl <= 0 {
		ttl = l.Window
	}
	return peekDecision(count, limit, time.Now().UTC().Add(ttl))
}
