package config

import "time"

// CacheConfig configures the Redis response cache in front of the
// availability endpoint.  Availability moves with every hold, so entries
// live for seconds; a stale answer only misleads a product page, never a
// hold, which always reads the store.
type CacheConfig struct {
    Enabled      bool
    Methods      map[string]bool // upper-cased HTTP methods to cache
    TTL          time.Duration
    KeyStrategy  string // path, path_query or method_path
    Prefix       string
    MaxBodyBytes int // larger responses are not cached
}

// LoadCacheConfig reads CACHE_* settings.
func LoadCacheConfig() CacheConfig {
    c := CacheConfig{
        Enabled:      envBool("CACHE_ENABLED", true),
        Methods:      envSet("CACHE_METHODS", "GET"),
        TTL:          envDur("CACHE_TTL", 2*time.Second),
        KeyStrategy:  envStr("CACHE_KEY_STRATEGY", "path"),
        Prefix:       envStr("CACHE_PREFIX", "cache:availability"),
        MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 4096),
    }
    if c.TTL <= 0 {
        c.TTL = 2 * time.Second
    }
    return c
}
