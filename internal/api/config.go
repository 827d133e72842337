package api

import (
	"time"
)

// Config holds configuration for the API server
type Config struct {
	ListenAddress string          `mapstructure:"listen_address"`
	ReadTimeout   time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration   `mapstructure:"idle_timeout"`
	BasePath      string          `mapstructure:"base_path"`
	EnableCORS    bool            `mapstructure:"enable_cors"`
	LogRequests   bool            `mapstructure:"log_requests"`
	AdminToken    string          `mapstructure:"admin_token"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Limit      int           `mapstructure:"limit"`
	Burst      int           `mapstructure:"burst"`
	Expiration time.Duration `mapstructure:"expiration"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   120 * time.Second,
		BasePath:      "/api/v1",
		EnableCORS:    true,
		LogRequests:   true,
		RateLimit: RateLimitConfig{
			Enabled:    true,
			Limit:      100,
			Burst:      150,
			Expiration: time.Hour,
		},
	}
}
