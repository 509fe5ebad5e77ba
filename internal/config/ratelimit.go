package config

import "time"

// RateLimitConfig configures the Redis token bucket that guards
// reservation mutations.
type RateLimitConfig struct {
    Enabled        bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
    Capacity       int           `env:"RATE_LIMIT_CAPACITY" envDefault:"20"`
    RefillTokens   int           `env:"RATE_LIMIT_REFILL_TOKENS" envDefault:"1"`
    RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"3s"`
    TTL            time.Duration `env:"RATE_LIMIT_TTL" envDefault:"10m"`
    KeyStrategy    string        `env:"RATE_LIMIT_KEY_STRATEGY" envDefault:"user_route"`
    Prefix         string        `env:"RATE_LIMIT_PREFIX" envDefault:"rl"`
    Debug          bool          `env:"RATE_LIMIT_DEBUG" envDefault:"false"`
}

func (c *RateLimitConfig) normalize() {
    if c.Capacity < 1 { c.Capacity = 1 }
    if c.RefillTokens < 1 { c.RefillTokens = 1 }
    if c.RefillInterval <= 0 { c.RefillInterval = time.Second }
    minTTL := 5 * c.RefillInterval
    if c.TTL < minTTL { c.TTL = minTTL }
}
