package model

import "time"

// ----------------------------------------------------
// ================ Logging ================
// LogConfig holds configuration for the global logger
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info"`
	Format     string `envconfig:"LOG_FORMAT" default:"json"`         // json, console
	Output     string `envconfig:"LOG_OUTPUT" default:"stdout"`       // stdout, stderr, file
	FilePath   string `envconfig:"LOG_FILE_PATH" default:"logs/collab.log"`
	TimeFormat string `envconfig:"LOG_TIME_FORMAT" default:"rfc3339"` // rfc3339, unix, iso8601
}

// ----------------------------------------------------
// ================ Server ================
// ServerConfig holds the HTTP / WebSocket listener settings
type ServerConfig struct {
	Addr         string        `envconfig:"SERVER_ADDR" default:":8000"`
	ReadLimit    int64         `envconfig:"SERVER_READ_LIMIT" default:"1048576"`
	WriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"10s"`
	PingInterval time.Duration `envconfig:"SERVER_PING_INTERVAL" default:"30s"`
}

// ----------------------------------------------------
// ================ Store ================
const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

// StoreConfig selects the shared state store
type StoreConfig struct {
	Backend  string `envconfig:"STORE_BACKEND" default:"redis"`
	RedisURL string `envconfig:"REDIS_URL"`
}

// ----------------------------------------------------
// ================ Collaboration ================
// CollabConfig tunes the synchronization core
type CollabConfig struct {
	ChannelPrefix          string        `envconfig:"COLLAB_CHANNEL_PREFIX" default:"project" yaml:"channel_prefix"`
	StateTTL               time.Duration `envconfig:"COLLAB_STATE_TTL" default:"1h" yaml:"state_ttl"`
	CursorThrottle         time.Duration `envconfig:"COLLAB_CURSOR_THROTTLE" default:"3ms" yaml:"cursor_throttle"`
	Resubscribe            bool          `envconfig:"COLLAB_RESUBSCRIBE" default:"false" yaml:"resubscribe"`
	ResubscribeMaxInterval time.Duration `envconfig:"COLLAB_RESUBSCRIBE_MAX_INTERVAL" default:"30s" yaml:"resubscribe_max_interval"`
	ConfigFile             string        `envconfig:"COLLAB_CONFIG_FILE" yaml:"-"`
}

// DefaultCollabConfig returns the values used when nothing is configured
func DefaultCollabConfig() CollabConfig {
	return CollabConfig{
		ChannelPrefix:          "project",
		StateTTL:               time.Hour,
		CursorThrottle:         3 * time.Millisecond,
		ResubscribeMaxInterval: 30 * time.Second,
	}
}
