package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iliyamo/ticket-saga/internal/config"
)

var limiterScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		local until_next = interval_ms - (now_ms - last_refill)
		if until_next < 0 then until_next = 0 end
		retry_after_ms = until_next
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

type verdict struct {
	allowed   bool
	remaining int64
	retry     time.Duration
}

// localBuckets is the in-process limiter used without Redis or while Redis
// is failing.  Buckets are per replica, so the effective limit is looser.
type localBuckets struct {
	limit rate.Limit
	burst int
	m     *xsync.MapOf[string, *rate.Limiter]
}

func newLocalBuckets(cfg config.RateLimitConfig) *localBuckets {
	return &localBuckets{
		limit: rate.Limit(cfg.PerSecond()),
		burst: cfg.Capacity,
		m:     xsync.NewMapOf[string, *rate.Limiter](),
	}
}

func (l *localBuckets) take(key string, now time.Time) verdict {
	lim, _ := l.m.LoadOrCompute(key, func() *rate.Limiter { return rate.NewLimiter(l.limit, l.burst) })
	r := lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return verdict{retry: d}
	}
	return verdict{allowed: true, remaining: int64(lim.TokensAt(now))}
}

// NewTokenBucket limits requests per key with a token bucket kept in Redis.
// When rdb is nil, or a Redis call fails, the in-process buckets decide.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log *zap.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	log = log.Named("ratelimit")
	local := newLocalBuckets(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			now := time.Now()

			v, err := takeRedis(c, rdb, cfg, key, now)
			if err != nil {
				if rdb != nil {
					log.Warn("redis limiter failed, using local bucket", zap.String("key", key), zap.Error(err))
				}
				v = local.take(key, now)
			}

			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(v.remaining, 10))
			if !v.allowed {
				secs := int(math.Ceil(v.retry.Seconds()))
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				log.Debug("request throttled", zap.String("key", key), zap.Duration("retry", v.retry))
				return deny(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			}
			return next(c)
		}
	}
}

func takeRedis(c echo.Context, rdb *redis.Client, cfg config.RateLimitConfig, key string, now time.Time) (verdict, error) {
	if rdb == nil {
		return verdict{}, redis.Nil
	}
	args := []interface{}{
		now.UnixMilli(),
		cfg.Capacity,
		cfg.RefillTokens,
		cfg.RefillInterval.Milliseconds(),
		int64(cfg.TTL / time.Second),
	}
	vals, err := limiterScript.Run(c.Request().Context(), rdb, []string{key}, args...).Result()
	if err != nil {
		return verdict{}, err
	}
	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 3 {
		return verdict{}, fmt.Errorf("unexpected limiter result %#v", vals)
	}
	return verdict{
		allowed:   asInt64(arr[0]) == 1,
		remaining: asInt64(arr[1]),
		retry:     time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	uid := subject(c)
	route := c.Request().Method + " " + c.Path()

	parts := []string{cfg.Prefix}
	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "user":
		parts = append(parts, "user", uid)
	case "user_route":
		parts = append(parts, "user", uid, "route", route)
	default:
		parts = append(parts, "ip", ip, "user", uid, "route", route)
	}
	return strings.Join(parts, ":")
}
