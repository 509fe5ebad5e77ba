package config

// Redis backs rate limiting, the HTTP response cache and the event
// summary cache.  If the server cannot be reached at startup the caller
// gets a nil client and runs with those features disabled.

import (
    "context"
    "crypto/tls"
    "time"

    "github.com/redis/go-redis/v9"
)

// RedisConfig locates the Redis server.  Addr takes precedence over
// Host and Port when set.
type RedisConfig struct {
    Host     string `env:"REDIS_HOST" envDefault:"localhost"`
    Port     string `env:"REDIS_PORT" envDefault:"6379"`
    Addr     string `env:"REDIS_ADDR"`
    Password string `env:"REDIS_PASSWORD"`
    DB       int    `env:"REDIS_DB" envDefault:"0"`
    TLS      bool   `env:"REDIS_TLS" envDefault:"false"`
}

// Address returns host:port of the server.
func (c RedisConfig) Address() string {
    if c.Addr != "" {
        return c.Addr
    }
    return c.Host + ":" + c.Port
}

// NewRedisClient connects to Redis and pings it.  The returned client is
// nil if the server does not answer within two seconds.
func NewRedisClient(cfg RedisConfig) *redis.Client {
    var tlsConf *tls.Config
    if cfg.TLS {
        tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
    }
    client := redis.NewClient(&redis.Options{
        Addr:      cfg.Address(),
        Password:  cfg.Password,
        DB:        cfg.DB,
        TLSConfig: tlsConf,
    })
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := client.Ping(ctx).Err(); err != nil {
        _ = client.Close()
        return nil
    }
    return client
}
