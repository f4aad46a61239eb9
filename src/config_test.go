package src

import (
	"testing"
	"time"

	"canvas_collab/src/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.ServerConfig.Addr)
	assert.Equal(t, int64(1048576), cfg.ServerConfig.ReadLimit)
	assert.Equal(t, 10*time.Second, cfg.ServerConfig.WriteTimeout)
	assert.Equal(t, model.StoreBackendRedis, cfg.StoreConfig.Backend)
	assert.Equal(t, "info", cfg.LogConfig.Level)

	defaults := model.DefaultCollabConfig()
	assert.Equal(t, defaults.ChannelPrefix, cfg.CollabConfig.ChannelPrefix)
	assert.Equal(t, defaults.StateTTL, cfg.CollabConfig.StateTTL)
	assert.Equal(t, defaults.CursorThrottle, cfg.CollabConfig.CursorThrottle)
	assert.False(t, cfg.CollabConfig.Resubscribe)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("COLLAB_CHANNEL_PREFIX", "canvas")
	t.Setenv("COLLAB_STATE_TTL", "30m")
	t.Setenv("COLLAB_CURSOR_THROTTLE", "16ms")
	t.Setenv("COLLAB_RESUBSCRIBE", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, model.StoreBackendMemory, cfg.StoreConfig.Backend)
	assert.Equal(t, "canvas", cfg.CollabConfig.ChannelPrefix)
	assert.Equal(t, 30*time.Minute, cfg.CollabConfig.StateTTL)
	assert.Equal(t, 16*time.Millisecond, cfg.CollabConfig.CursorThrottle)
	assert.True(t, cfg.CollabConfig.Resubscribe)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigInvalidValue(t *testing.T) {
	t.Setenv("COLLAB_STATE_TTL", "forever")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StoreConfig:  model.StoreConfig{Backend: model.StoreBackendRedis, RedisURL: "redis://localhost:6379"},
			CollabConfig: model.DefaultCollabConfig(),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"redis without url", func(c *Config) { c.StoreConfig.RedisURL = "" }},
		{"unknown backend", func(c *Config) { c.StoreConfig.Backend = "etcd" }},
		{"empty prefix", func(c *Config) { c.CollabConfig.ChannelPrefix = "" }},
		{"zero ttl", func(c *Config) { c.CollabConfig.StateTTL = 0 }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	memory := valid()
	memory.StoreConfig = model.StoreConfig{Backend: model.StoreBackendMemory}
	assert.NoError(t, memory.Validate())
}
