// Package gateway provides HTTP middleware for the API surface.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rateLimitKeyPrefix = "threatpulse:ratelimit:"

// rateLimitScript counts a client's requests in the current minute. The
// window key expires on its own, so abandoned clients cost nothing.
var rateLimitScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RateLimitConfig configures the per-client rate limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// DefaultRateLimitConfig returns the stock rate limit configuration,
// disabled.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           false,
		RequestsPerMinute: 120,
		IncludeHeaders:    true,
	}
}

// RateLimitResult is one limiter decision.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	RetryAfter time.Duration
}

// RateLimiter throttles API clients on a fixed one-minute window backed
// by redis, so every replica sees the same counts. When redis is
// unreachable it fails open; the API staying up beats the limit holding.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(redisClient *redis.Client, config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 120
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: config,
	}
}

// Check counts one request for clientID and reports whether it is inside
// the limit.
func (rl *RateLimiter) Check(ctx context.Context, clientID string) *RateLimitResult {
	limit := rl.config.RequestsPerMinute
	key := rateLimitKeyPrefix + clientID

	count, err := rateLimitScript.Run(ctx, rl.redis, []string{key}, 60000).Int()
	if err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	result := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: remaining,
		Limit:     limit,
	}
	if !result.Allowed {
		ttl, err := rl.redis.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = time.Minute
		}
		result.RetryAfter = ttl
	}
	return result
}

// Middleware returns the rate limiting middleware. With the limiter
// disabled or no redis configured it passes requests straight through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.config.Enabled || rl.redis == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rl.Check(r.Context(), clientIP(r))

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}

		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`, retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP identifies the caller. The router's RealIP middleware already
// folds trusted proxy headers into RemoteAddr; the forwarded headers are
// a fallback for deployments without it.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
