// Package config loads application configuration from environment
// variables.  A .env file in the working directory is read first when
// present; real environment variables always win over it.
package config

import (
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/caarlos0/env/v11"
    "github.com/joho/godotenv"
)

// Config holds all runtime configuration values.  Each field corresponds
// to an environment variable; nested sections are parsed the same way.
type Config struct {
    Env       string `env:"APP_ENV" envDefault:"dev"`        // application environment (dev/test/prod)
    Port      string `env:"APP_PORT" envDefault:"8080"`      // HTTP port to listen on
    JWTSecret string `env:"JWT_SECRET,required,notEmpty"`   // secret used to verify bearer tokens

    // WebhookSecret signs pledge webhooks.  Empty disables the endpoint.
    WebhookSecret string `env:"WEBHOOK_SECRET"`
    // RabbitMQURL is the notification broker.  Empty disables publishing.
    RabbitMQURL string `env:"RABBITMQ_URL"`
    // NotifyBuffer is how many notifications wait for the broker before
    // new ones are dropped.
    NotifyBuffer int `env:"NOTIFY_BUFFER" envDefault:"1024"`
    // MaxTicketsPerReservation caps the quantity of a single reservation.
    MaxTicketsPerReservation int `env:"MAX_TICKETS_PER_RESERVATION" envDefault:"10"`

    DB         DBConfig
    Gateway    GatewayConfig
    Settlement SettlementConfig
    Redis      RedisConfig
    RateLimit  RateLimitConfig
    Cache      CacheConfig
    Log        LogConfig
}

// DBConfig selects and locates the database.
type DBConfig struct {
    Driver     string `env:"DB_DRIVER" envDefault:"mysql"` // mysql or sqlite
    User       string `env:"DB_USER"`
    Pass       string `env:"DB_PASS"`
    Host       string `env:"DB_HOST" envDefault:"127.0.0.1"`
    Port       string `env:"DB_PORT" envDefault:"3306"`
    Name       string `env:"DB_NAME"`
    SQLitePath string `env:"SQLITE_PATH" envDefault:"data/commonly.db"`
}

// GatewayConfig configures the payment provider.
type GatewayConfig struct {
    Driver     string        `env:"GATEWAY_DRIVER" envDefault:"memory"` // stripe or memory
    BaseURL    string        `env:"GATEWAY_BASE_URL" envDefault:"https://api.stripe.com"`
    APIKey     string        `env:"GATEWAY_API_KEY"`
    Timeout    time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
    MaxRetries uint          `env:"GATEWAY_MAX_RETRIES" envDefault:"3"`
    Currency   string        `env:"CURRENCY" envDefault:"usd"`
}

// SettlementConfig tunes the settlement engine and its sweeper.
type SettlementConfig struct {
    Concurrency   int           `env:"SETTLEMENT_CONCURRENCY" envDefault:"8"`
    RPS           float64       `env:"SETTLEMENT_RPS" envDefault:"20"`
    RetryBudget   int           `env:"SETTLEMENT_RETRY_BUDGET" envDefault:"8"`
    RetryBase     time.Duration `env:"SETTLEMENT_RETRY_BASE" envDefault:"30s"`
    RetryMax      time.Duration `env:"SETTLEMENT_RETRY_MAX" envDefault:"1h"`
    SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
    ClaimLease    time.Duration `env:"CLAIM_LEASE" envDefault:"5m"`
}

// LogConfig configures the global logger.
type LogConfig struct {
    Level  string `env:"LOG_LEVEL" envDefault:"info"`
    Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if any) and the environment into a Config.
func Load() (Config, error) {
    // A missing .env file is normal outside development.
    _ = godotenv.Load()

    var cfg Config
    if err := env.Parse(&cfg); err != nil {
        return Config{}, fmt.Errorf("parse env: %w", err)
    }
    cfg.RateLimit.normalize()
    if err := cfg.validate(); err != nil {
        return Config{}, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    var errs []error
    switch strings.ToLower(c.DB.Driver) {
    case "mysql":
        if c.DB.User == "" || c.DB.Name == "" {
            errs = append(errs, errors.New("DB_USER and DB_NAME are required for the mysql driver"))
        }
    case "sqlite":
        if c.DB.SQLitePath == "" {
            errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
        }
    default:
        errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DB.Driver))
    }
    switch strings.ToLower(c.Gateway.Driver) {
    case "memory":
        if c.IsProduction() {
            errs = append(errs, errors.New("GATEWAY_DRIVER=memory is not allowed in production"))
        }
    case "stripe":
        if c.Gateway.APIKey == "" {
            errs = append(errs, errors.New("GATEWAY_API_KEY is required for the stripe driver"))
        }
    default:
        errs = append(errs, fmt.Errorf("unknown GATEWAY_DRIVER %q", c.Gateway.Driver))
    }
    if c.MaxTicketsPerReservation < 1 {
        errs = append(errs, errors.New("MAX_TICKETS_PER_RESERVATION must be positive"))
    }
    if c.Settlement.Concurrency < 1 {
        errs = append(errs, errors.New("SETTLEMENT_CONCURRENCY must be positive"))
    }
    if c.Settlement.SweepInterval <= 0 || c.Settlement.ClaimLease <= 0 {
        errs = append(errs, errors.New("SWEEP_INTERVAL and CLAIM_LEASE must be positive"))
    }
    return errors.Join(errs...)
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c Config) IsProduction() bool {
    switch strings.ToLower(c.Env) {
    case "prod", "production":
        return true
    }
    return false
}
