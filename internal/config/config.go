// Package config loads the server configuration from file and
// environment, with defaults for every tunable.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/S-Corkum/fitcoach-server/internal/api"
	"github.com/S-Corkum/fitcoach-server/internal/cache"
	"github.com/S-Corkum/fitcoach-server/internal/catalog"
	"github.com/S-Corkum/fitcoach-server/internal/chat"
	"github.com/S-Corkum/fitcoach-server/internal/leaderboard"
	"github.com/S-Corkum/fitcoach-server/internal/orchestrator"
	"github.com/S-Corkum/fitcoach-server/internal/persistence"
	"github.com/S-Corkum/fitcoach-server/internal/quota"
	"github.com/S-Corkum/fitcoach-server/internal/resilience"
)

// Config holds the complete application configuration
type Config struct {
	API           api.Config                                 `mapstructure:"api"`
	Redis         cache.RedisConfig                          `mapstructure:"redis"`
	Cache         cache.FacadeConfig                         `mapstructure:"cache"`
	Database      persistence.Config                         `mapstructure:"database"`
	Quota         quota.Config                               `mapstructure:"quota"`
	Orchestrator  orchestrator.Config                        `mapstructure:"orchestrator"`
	Operations    orchestrator.OperationsConfig              `mapstructure:"operations"`
	Bedrock       chat.BedrockConfig                         `mapstructure:"bedrock"`
	Catalog       catalog.Config                             `mapstructure:"catalog"`
	Leaderboard   leaderboard.Config                         `mapstructure:"leaderboard"`
	Breakers      map[string]resilience.CircuitBreakerConfig `mapstructure:"breakers"`
	FlightTimeout time.Duration                              `mapstructure:"flight_timeout"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("FITCOACH_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	// Environment variables prefixed with FITCOACH_ override the file.
	v.SetEnvPrefix("FITCOACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is not required if environment variables are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// Validate checks the settings a running server cannot do without
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.API.ReadTimeout <= 0 || c.API.WriteTimeout <= 0 || c.API.IdleTimeout <= 0 {
		return fmt.Errorf("api timeouts must be greater than 0")
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 60*time.Second)
	v.SetDefault("api.idle_timeout", 120*time.Second)
	v.SetDefault("api.base_path", "/api/v1")
	v.SetDefault("api.enable_cors", true)
	v.SetDefault("api.log_requests", true)

	// API rate limiting defaults
	v.SetDefault("api.rate_limit.enabled", true)
	v.SetDefault("api.rate_limit.limit", 100)
	v.SetDefault("api.rate_limit.burst", 150)
	v.SetDefault("api.rate_limit.expiration", time.Hour)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	// Cache facade defaults
	v.SetDefault("cache.op_timeout", 150*time.Millisecond)
	v.SetDefault("cache.fallback_max_entries", 10000)
	v.SetDefault("cache.dirty_ttl", 15*time.Minute)
	v.SetDefault("cache.recovery_interval", 5*time.Second)

	// Database defaults
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Quota defaults
	v.SetDefault("quota.on_backend_failure", "allow")
	v.SetDefault("quota.grace", time.Hour)
	v.SetDefault("quota.op_timeout", 150*time.Millisecond)

	// Orchestrator defaults
	v.SetDefault("orchestrator.operation_timeout", 90*time.Second)
	v.SetDefault("operations.model_timeout", 60*time.Second)
	v.SetDefault("operations.catalog_timeout", 15*time.Second)
	v.SetDefault("operations.max_tokens", 4096)
	v.SetDefault("operations.temperature", 0.7)
	v.SetDefault("flight_timeout", 60*time.Second)

	// Bedrock defaults
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-3-haiku-20240307-v1:0")
	v.SetDefault("bedrock.request_timeout", 60*time.Second)
	v.SetDefault("bedrock.default_max_tokens", 2048)

	// Catalog defaults
	v.SetDefault("catalog.request_timeout", 10*time.Second)
	v.SetDefault("catalog.max_retries", 2)
	v.SetDefault("catalog.page_size", 20)

	// Leaderboard defaults
	v.SetDefault("leaderboard.daily_freshness", 5*time.Minute)
	v.SetDefault("leaderboard.weekly_freshness", 15*time.Minute)
}
