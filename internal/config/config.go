// Package config loads service configuration from the environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the server needs at startup. DatabaseURL empty
// means the in-memory store (development only); RedisURL empty disables
// the listing cache and the shared rate limiter.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	CacheTTL       time.Duration
	RequestTimeout time.Duration

	RateLimit       int
	RateLimitWindow time.Duration
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT", 30)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")

	cfg := &Config{
		Port:            v.GetString("PORT"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		RedisURL:        v.GetString("REDIS_URL"),
		CacheTTL:        v.GetDuration("CACHE_TTL"),
		RequestTimeout:  v.GetDuration("REQUEST_TIMEOUT"),
		RateLimit:       v.GetInt("RATE_LIMIT"),
		RateLimitWindow: v.GetDuration("RATE_LIMIT_WINDOW"),
	}
	return cfg, nil
}
