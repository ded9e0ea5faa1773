package config

import "time"

// RateLimitConfig configures the token bucket guarding POST /checkout.
// Every hold locks variant rows, so the bucket is sized for shoppers, not
// crawlers: a burst of Capacity requests, then RefillTokens every
// RefillInterval.
type RateLimitConfig struct {
    Enabled        bool
    Capacity       int
    RefillTokens   int
    RefillInterval time.Duration
    TTL            time.Duration // idle buckets are dropped after this
    KeyStrategy    string        // ip, customer, route, ip_route or ip_customer
    Prefix         string
}

// LoadRateLimitConfig reads RATE_LIMIT_* settings.  RATE_LIMIT_BURST and
// RATE_LIMIT_REFILL_EVERY are shorthands for a one-token refill.
func LoadRateLimitConfig() RateLimitConfig {
    c := RateLimitConfig{
        Enabled:        envBool("RATE_LIMIT_ENABLED", true),
        Capacity:       envInt("RATE_LIMIT_CAPACITY", 10),
        RefillTokens:   envInt("RATE_LIMIT_REFILL_TOKENS", 1),
        RefillInterval: envDur("RATE_LIMIT_REFILL_INTERVAL", 6*time.Second),
        TTL:            envDur("RATE_LIMIT_TTL", 10*time.Minute),
        KeyStrategy:    envStr("RATE_LIMIT_KEY_STRATEGY", "ip_customer"),
        Prefix:         envStr("RATE_LIMIT_PREFIX", "rl:checkout"),
    }
    if burst := envInt("RATE_LIMIT_BURST", 0); burst > 0 {
        c.Capacity = burst
    }
    if every := envDur("RATE_LIMIT_REFILL_EVERY", 0); every > 0 {
        c.RefillTokens = 1
        c.RefillInterval = every
    }
    c.Capacity = max(c.Capacity, 1)
    c.RefillTokens = max(c.RefillTokens, 1)
    if c.RefillInterval <= 0 {
        c.RefillInterval = time.Second
    }
    // A bucket must outlive the time it takes to refill a few tokens.
    c.TTL = max(c.TTL, 5*c.RefillInterval)
    return c
}
