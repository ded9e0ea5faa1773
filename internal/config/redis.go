package config

import (
    "context"
    "crypto/tls"
    "os"
    "time"

    "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog/log"
)

// RedisConfig locates the Redis server behind the rate limiter, the
// availability cache, webhook dedupe and the sweeper lease.
type RedisConfig struct {
    Enabled     bool
    Addr        string
    Password    string
    DB          int
    TLS         bool
    PoolSize    int
    DialTimeout time.Duration
}

// LoadRedisConfig reads REDIS_* settings.  REDIS_HOST and REDIS_PORT,
// when both set, win over the REDIS_ADDR shorthand.
func LoadRedisConfig() RedisConfig {
    c := RedisConfig{
        Enabled:     envBool("REDIS_ENABLED", true),
        Addr:        envStr("REDIS_ADDR", "localhost:6379"),
        Password:    os.Getenv("REDIS_PASSWORD"),
        DB:          envInt("REDIS_DB", 0),
        TLS:         envBool("REDIS_TLS", false),
        PoolSize:    envInt("REDIS_POOL_SIZE", 20),
        DialTimeout: envDur("REDIS_DIAL_TIMEOUT", 2*time.Second),
    }
    if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
        c.Addr = host + ":" + port
    }
    return c
}

// NewRedisClient connects to Redis as configured by LoadRedisConfig.  It
// returns nil when Redis is disabled or does not answer a ping, and the
// service runs without it: no rate limiting or caching, webhook
// redeliveries fall back to the idempotent session transitions, and every
// replica sweeps.
func NewRedisClient() *redis.Client {
    cfg := LoadRedisConfig()
    if !cfg.Enabled {
        return nil
    }
    opts := &redis.Options{
        Addr:        cfg.Addr,
        Password:    cfg.Password,
        DB:          cfg.DB,
        PoolSize:    cfg.PoolSize,
        DialTimeout: cfg.DialTimeout,
    }
    if cfg.TLS {
        opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
    }
    client := redis.NewClient(opts)

    ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
    defer cancel()
    if err := client.Ping(ctx).Err(); err != nil {
        log.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable; running without rate limiting, caching and webhook dedupe")
        _ = client.Close()
        return nil
    }
    return client
}
