package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/models"
)

const (
	// CacheKeyPrefix is the Redis key prefix for cached data
	CacheKeyPrefix = "cache:"
	// LockKeyPrefix is the Redis key prefix for distributed locks
	LockKeyPrefix = "lock:"
	// DefaultCalendarTTL bounds how stale a cached month can get if an
	// invalidation is lost.
	DefaultCalendarTTL = 10 * time.Minute
)

// CacheKey generates a cache key for a specific resource
func CacheKey(resource string, identifier string) string {
	return fmt.Sprintf("%s:%s", resource, identifier)
}

func calendarKey(ownerID, month string) string {
	return CacheKey("calendar", ownerID+":"+month)
}

// CacheService caches month calendars in Redis as JSON. Read failures
// count as misses.
type CacheService struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewCacheService(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *CacheService {
	if ttl <= 0 {
		ttl = DefaultCalendarTTL
	}
	return &CacheService{rdb: rdb, ttl: ttl, log: log}
}

func calendarGenKey(ownerID, month string) string {
	return CacheKey("calendar_gen", ownerID+":"+month)
}

// GetMonth reads the cached month together with its generation. A read
// failure is a miss with an empty generation, which SetMonth refuses.
func (c *CacheService) GetMonth(ctx context.Context, ownerID, month string) ([]models.DayAggregate, string, bool) {
	vals, err := c.rdb.MGet(ctx, CacheKeyPrefix+calendarKey(ownerID, month), CacheKeyPrefix+calendarGenKey(ownerID, month)).Result()
	if err != nil {
		c.log.Warn("calendar cache read failed", zap.String("owner", ownerID), zap.String("month", month), zap.Error(err))
		return nil, "", false
	}
	gen := "0"
	if g, ok := vals[1].(string); ok {
		gen = g
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, false
	}
	var days []models.DayAggregate
	if err := json.Unmarshal([]byte(raw), &days); err != nil {
		c.log.Warn("calendar cache entry is corrupt", zap.String("owner", ownerID), zap.String("month", month), zap.Error(err))
		return nil, gen, false
	}
	return days, gen, true
}

// setIfGeneration stores ARGV[2] at KEYS[1] for ARGV[3] ms only while the
// generation at KEYS[2] still equals ARGV[1].
var setIfGeneration = redis.NewScript(`
local cur = redis.call("get", KEYS[2]) or "0"
if cur ~= ARGV[1] then
	return 0
end
redis.call("set", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1`)

func (c *CacheService) SetMonth(ctx context.Context, ownerID, month, gen string, days []models.DayAggregate) {
	if gen == "" {
		return
	}
	data, err := json.Marshal(days)
	if err != nil {
		return
	}
	keys := []string{CacheKeyPrefix + calendarKey(ownerID, month), CacheKeyPrefix + calendarGenKey(ownerID, month)}
	stored, err := setIfGeneration.Run(ctx, c.rdb, keys, gen, data, c.ttl.Milliseconds()).Int()
	if err != nil {
		c.log.Warn("calendar cache write failed", zap.String("owner", ownerID), zap.String("month", month), zap.Error(err))
		return
	}
	if stored == 0 {
		c.log.Debug("calendar fill skipped, month changed during read", zap.String("owner", ownerID), zap.String("month", month))
	}
}

// InvalidateMonths drops the cached months and advances their generations.
// Generations outlive the entries so an in-flight fill always sees the bump.
func (c *CacheService) InvalidateMonths(ctx context.Context, ownerID string, months []string) {
	pipe := c.rdb.TxPipeline()
	for _, m := range months {
		genKey := CacheKeyPrefix + calendarGenKey(ownerID, m)
		pipe.Incr(ctx, genKey)
		pipe.PExpire(ctx, genKey, 2*c.ttl)
		pipe.Del(ctx, CacheKeyPrefix+calendarKey(ownerID, m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("calendar cache invalidation failed", zap.String("owner", ownerID), zap.Strings("months", months), zap.Error(err))
	}
}

// Locker grants a named lease to one holder at a time.
type Locker interface {
	// TryLock returns ok=false when someone else holds the lease. The
	// release func is safe to call once the lease expired.
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX and a compare-and-delete
// release, so a holder never frees a lease it no longer owns.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	tokenBytes := make([]byte, 16)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, false, err
	}
	token := base64.RawURLEncoding.EncodeToString(tokenBytes)
	key := LockKeyPrefix + name

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{key}, token).Err()
	}
	return release, true, nil
}
