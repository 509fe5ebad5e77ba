package config

import (
    "strings"
    "time"
)

// CacheConfig defines settings for both Redis caches: the HTTP response
// cache in front of the event listing and the event summary cache used by
// the detail endpoint.  When Enabled is false or no Redis client is
// configured, caching is disabled.
type CacheConfig struct {
    Enabled      bool          `env:"CACHE_ENABLED" envDefault:"true"`
    Methods      []string      `env:"CACHE_METHODS" envDefault:"GET"`
    TTL          time.Duration `env:"CACHE_TTL" envDefault:"15s"`
    SummaryTTL   time.Duration `env:"CACHE_SUMMARY_TTL" envDefault:"1m"`
    KeyStrategy  string        `env:"CACHE_KEY_STRATEGY" envDefault:"route_query"`
    Prefix       string        `env:"CACHE_PREFIX" envDefault:"cache"`
    MaxBodyBytes int           `env:"CACHE_MAX_BODY_BYTES" envDefault:"1048576"`
}

// Caches reports whether responses to method may be cached.
func (c CacheConfig) Caches(method string) bool {
    for _, m := range c.Methods {
        if strings.EqualFold(strings.TrimSpace(m), method) {
            return true
        }
    }
    return false
}
