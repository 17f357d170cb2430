// Package ratelimit provides a Redis-backed token bucket shared across API
// replicas, so write-rate abuse is bounded cluster-wide rather than per
// process.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Limiter allows at most limit requests per window per key. A nil Redis
// client disables limiting entirely, which keeps dev setups working without
// Redis.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// New returns a Limiter namespaced under prefix so independent limiters can
// share one Redis.
func New(rdb *redis.Client, limit int, window time.Duration, prefix string) *Limiter {
	if prefix == "" {
		prefix = "default"
	}
	return &Limiter{rdb: rdb, limit: limit, window: window, prefix: "rl:" + prefix + ":"}
}

// Allow consumes one token for key, reporting whether the request may
// proceed.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.rdb == nil || l.limit <= 0 {
		return true, nil
	}
	refillMS := l.window.Milliseconds() / int64(l.limit)
	if refillMS <= 0 {
		refillMS = 1
	}
	res, err := bucketScript.Run(ctx, l.rdb, []string{l.prefix + key},
		l.limit, refillMS, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Middleware rejects over-limit requests with 429 and a Retry-After hint.
// keyFunc identifies the client, typically by subject or IP.
func (l *Limiter) Middleware(keyFunc func(*gin.Context) string) gin.HandlerFunc {
	retryAfter := strconv.Itoa(int(l.window.Seconds()) / max(l.limit, 1))
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), keyFunc(c))
		if err != nil || !ok {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}

// bucketScript keeps the token count and last-refill timestamp in a hash per
// key and refills one token per interval, atomically.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now
else
  local refill = math.floor((now - ts) / interval)
  if refill > 0 then
    tokens = math.min(tokens + refill, capacity)
    ts = ts + refill * interval
  end
end
local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', key, interval * capacity)
return allowed
`)
