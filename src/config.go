package src

import (
	"canvas_collab/src/model"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	LogConfig    model.LogConfig    `envconfig:""`
	ServerConfig model.ServerConfig `envconfig:""`
	StoreConfig  model.StoreConfig  `envconfig:""`
	CollabConfig model.CollabConfig `envconfig:""`
}

func LoadConfig() (*Config, error) {
	var config Config
	err := envconfig.Process("", &config)
	if err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %v", err)
	}

	return &config, nil
}

// Validate checks combinations envconfig cannot express. Call it after
// command-line overrides have been applied.
func (c *Config) Validate() error {
	switch c.StoreConfig.Backend {
	case model.StoreBackendRedis:
		if c.StoreConfig.RedisURL == "" {
			return fmt.Errorf("REDIS_URL environment variable is required for the redis store")
		}
	case model.StoreBackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreConfig.Backend)
	}

	if c.CollabConfig.ChannelPrefix == "" {
		return fmt.Errorf("COLLAB_CHANNEL_PREFIX cannot be empty")
	}
	if c.CollabConfig.StateTTL <= 0 {
		return fmt.Errorf("COLLAB_STATE_TTL must be positive")
	}
	return nil
}
