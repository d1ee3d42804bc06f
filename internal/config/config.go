package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" env-default:"development"`
	Port     string `env:"PORT" env-default:"8081"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	// Empty DatabaseURL selects the in-memory ledger and audit log.
	DatabaseURL string `env:"DATABASE_URL"`

	// Empty RedisAddr selects the in-memory idempotency store.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Empty broker list disables the transaction event stream.
	KafkaBrokers []string `env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" env-default:"bankcore.transactions"`

	// Empty source URLs select the built-in static rate table.
	RatePrimaryURL   string        `env:"RATE_PRIMARY_URL"`
	RateFallbackURL  string        `env:"RATE_FALLBACK_URL"`
	RateCacheTTL     time.Duration `env:"RATE_CACHE_TTL" env-default:"10s"`
	RateFetchTimeout time.Duration `env:"RATE_FETCH_TIMEOUT" env-default:"5s"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" env-default:"24h"`
}

func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
