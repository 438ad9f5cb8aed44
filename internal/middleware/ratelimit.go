package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/pkg/clientip"
)

const (
	// RateLimitWindow is 120 seconds
	RateLimitWindow = 120 * time.Second
	// RateLimitMaxRequests is the maximum number of requests allowed in the window
	RateLimitMaxRequests = 300
	// RateLimitKeyPrefix is the Redis key prefix for rate limiting
	RateLimitKeyPrefix = "ratelimit:"
	// BlockedIPKeyPrefix is the Redis key prefix for blocked IPs
	BlockedIPKeyPrefix = "blocked_ip:"
	// BlockedIPDuration is how long an IP stays blocked
	BlockedIPDuration = time.Hour
)

// RedisRateLimit is a fixed-window limiter shared by every instance. An IP
// that goes over the window limit is blocked for BlockedIPDuration. When
// Redis is unavailable requests are let through.
type RedisRateLimit struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisRateLimit(rdb *redis.Client, log *zap.Logger) *RedisRateLimit {
	return &RedisRateLimit{rdb: rdb, log: log}
}

func (l *RedisRateLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ipAddress := clientip.RealClientIP(r)
		ctx := r.Context()

		blocked, err := l.IsIPBlocked(ctx, ipAddress)
		if err != nil {
			l.log.Debug("rate limit check skipped", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if blocked {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"message":"Your IP has been temporarily blocked due to excessive requests. Please try again later."}`))
			return
		}

		rateLimitKey := RateLimitKeyPrefix + ipAddress
		pipe := l.rdb.TxPipeline()
		incr := pipe.Incr(ctx, rateLimitKey)
		pipe.ExpireNX(ctx, rateLimitKey, RateLimitWindow)
		if _, err := pipe.Exec(ctx); err != nil {
			// If Redis fails, allow the request (fail open)
			next.ServeHTTP(w, r)
			return
		}
		count := int(incr.Val())

		if count > RateLimitMaxRequests {
			if err := l.rdb.Set(ctx, BlockedIPKeyPrefix+ipAddress, "1", BlockedIPDuration).Err(); err != nil {
				l.log.Warn("block ip failed", zap.String("ip", ipAddress), zap.Error(err))
			} else {
				l.log.Warn("ip blocked", zap.String("ip", ipAddress), zap.Int("requests", count))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(fmt.Sprintf(`{"success":false,"message":"Rate limit exceeded. Your IP has been temporarily blocked. Please try again later.","retry_after":%d}`, int(RateLimitWindow.Seconds()))))
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(RateLimitMaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(RateLimitMaxRequests-count))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(RateLimitWindow).Unix(), 10))
		next.ServeHTTP(w, r)
	})
}

// UnblockIP removes an IP from the blocked list (admin function)
func (l *RedisRateLimit) UnblockIP(ctx context.Context, ipAddress string) error {
	return l.rdb.Del(ctx, BlockedIPKeyPrefix+ipAddress, RateLimitKeyPrefix+ipAddress).Err()
}

// IsIPBlocked checks if an IP is currently blocked
func (l *RedisRateLimit) IsIPBlocked(ctx context.Context, ipAddress string) (bool, error) {
	count, err := l.rdb.Exists(ctx, BlockedIPKeyPrefix+ipAddress).Result()
	return count > 0, err
}
