package middleware

import (
    "context"
    "fmt"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog/log"

    "github.com/iliyamo/storefront-checkout/internal/config"
    "github.com/iliyamo/storefront-checkout/internal/metrics"
)

// takeTokenScript refills a bucket for the whole intervals elapsed since
// its last refill, then takes one token if there is one.  It returns
// {allowed, tokens left, ms until the next refill}.
var takeTokenScript = redis.NewScript(`
local now_ms, capacity, refill, interval_ms, ttl = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled_ms')
local tokens, refilled = tonumber(state[1]), tonumber(state[2])
if tokens == nil or refilled == nil then
    tokens, refilled = capacity, now_ms
end
local steps = math.floor(math.max(0, now_ms - refilled) / interval_ms)
if steps > 0 then
    tokens = math.min(capacity, tokens + steps * refill)
    refilled = refilled + steps * interval_ms
end
local allowed, wait_ms = 0, 0
if tokens > 0 then
    allowed, tokens = 1, tokens - 1
else
    wait_ms = math.max(0, interval_ms - (now_ms - refilled))
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled_ms', refilled)
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tokens, wait_ms}
`)

// tokenBucket is a Redis token bucket shared by every replica.
type tokenBucket struct {
    rdb *redis.Client
    cfg config.RateLimitConfig
}

type bucketTake struct {
    allowed    bool
    remaining  int64
    retryAfter time.Duration
}

func (b tokenBucket) take(ctx context.Context, key string, now time.Time) (bucketTake, error) {
    res, err := takeTokenScript.Run(ctx, b.rdb, []string{key},
        now.UnixMilli(), b.cfg.Capacity, b.cfg.RefillTokens,
        b.cfg.RefillInterval.Milliseconds(), int64(b.cfg.TTL/time.Second)).Int64Slice()
    if err != nil {
        return bucketTake{}, err
    }
    if len(res) != 3 {
        return bucketTake{}, fmt.Errorf("token bucket script returned %d values", len(res))
    }
    return bucketTake{
        allowed:    res[0] == 1,
        remaining:  res[1],
        retryAfter: time.Duration(res[2]) * time.Millisecond,
    }, nil
}

// NewTokenBucket limits POST /checkout per caller.  Every hold locks
// variant rows, so a caller gets Capacity attempts in a burst and then
// RefillTokens more per RefillInterval.  Without Redis, or when Redis
// fails, requests pass: the limit shields the database and is not needed
// for correct stock accounting.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    if cfg.RefillInterval <= 0 {
        cfg.RefillInterval = time.Second
    }
    bucket := tokenBucket{rdb: rdb, cfg: cfg}

    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            ctx := c.Request().Context()
            key := buildRateKey(cfg, c)
            got, err := bucket.take(ctx, key, time.Now())
            if err != nil {
                log.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("rate limiter unavailable; allowing request")
                return next(c)
            }

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(got.remaining, 10))
            if got.allowed {
                return next(c)
            }

            secs := int((got.retryAfter + time.Second - 1) / time.Second)
            if secs < 1 {
                secs = 1
            }
            h.Set("Retry-After", strconv.Itoa(secs))
            metrics.RateLimited.Inc()
            log.Ctx(ctx).Debug().Str("key", key).Dur("retry_after", got.retryAfter).Msg("checkout rate limited")
            return c.JSON(http.StatusTooManyRequests, echo.Map{
                "error":       "too_many_requests",
                "retry_after": secs,
            })
        }
    }
}

// buildRateKey derives the bucket key.  Strategies: "ip", "customer",
// "route", "ip_route", and the default "ip_customer".  Guests share the
// "guest" identity, so for them the IP is what separates buckets.
func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
    ip := c.RealIP()
    if ip == "" {
        ip = "unknown"
    }
    parts := []string{cfg.Prefix}
    switch strings.ToLower(cfg.KeyStrategy) {
    case "ip":
        parts = append(parts, "ip", ip)
    case "customer":
        parts = append(parts, "customer", rateIdentity(c))
    case "route":
        parts = append(parts, "route", c.Request().Method+" "+c.Path())
    case "ip_route":
        parts = append(parts, "ip", ip, "route", c.Request().Method+" "+c.Path())
    default:
        parts = append(parts, "ip", ip, "customer", rateIdentity(c))
    }
    return strings.Join(parts, ":")
}
