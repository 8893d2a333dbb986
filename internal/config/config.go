// Package config loads and validates fleet coordinator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Archive backends accepted by archive.backend.
const (
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig guards the administrative API.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FleetConfig tunes sessions, dispatch, and the heartbeat sweep.
type FleetConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout"`
	DispatchInterval   time.Duration `mapstructure:"dispatch_interval"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	DispatchQueueDepth int           `mapstructure:"dispatch_queue_depth"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	EventRate          float64       `mapstructure:"event_rate"`
	EventBurst         int           `mapstructure:"event_burst"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig configures the token cache. An empty address disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	ProductTopic string `mapstructure:"product_topic"`
}

// ArchiveConfig selects where raw completion payloads are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize      int  `mapstructure:"buffer_size"`
	MaxBatchEvents  int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs  int  `mapstructure:"max_batch_wait_ms"`
	LogEnabled      bool `mapstructure:"log_enabled"`
	PublishEnabled  bool `mapstructure:"publish_enabled"`
	MetricsEnabled  bool `mapstructure:"metrics_enabled"`
	SinkTimeoutSecs int  `mapstructure:"sink_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("fleet.heartbeat_interval", 10*time.Second)
	v.SetDefault("fleet.heartbeat_timeout", 30*time.Second)
	v.SetDefault("fleet.task_timeout", 120*time.Second)
	v.SetDefault("fleet.dispatch_interval", 5*time.Second)
	v.SetDefault("fleet.sweep_interval", 10*time.Second)
	v.SetDefault("fleet.dispatch_queue_depth", 64)
	v.SetDefault("fleet.default_max_attempts", 3)
	v.SetDefault("fleet.send_buffer", 16)
	v.SetDefault("fleet.event_rate", 20.0)
	v.SetDefault("fleet.event_burst", 40)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.token_ttl", 5*time.Minute)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "fleet-events")
	v.SetDefault("pubsub.product_topic", "products-pending-approval")
	v.SetDefault("archive.backend", ArchiveMemory)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.prefix", "completions")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait_ms", 250)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.publish_enabled", true)
	v.SetDefault("events.metrics_enabled", true)
	v.SetDefault("events.sink_timeout_seconds", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "fleetd")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Fleet.validate(); err != nil {
		return err
	}
	if c.Database.DSN != "" && c.Database.MaxConns <= 0 {
		return fmt.Errorf("database.max_conns must be > 0")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns must not exceed database.max_conns")
	}
	if c.Redis.Addr != "" && c.Redis.TokenTTL <= 0 {
		return fmt.Errorf("redis.token_ttl must be > 0 when redis.addr is set")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	switch c.Archive.Backend {
	case ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be one of memory, local, gcs (got %q)", c.Archive.Backend)
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be > 0")
	}
	if c.Events.MaxBatchEvents <= 0 {
		return fmt.Errorf("events.max_batch_events must be > 0")
	}
	if c.Events.MaxBatchWaitMs <= 0 {
		return fmt.Errorf("events.max_batch_wait_ms must be > 0")
	}
	return nil
}

func (f FleetConfig) validate() error {
	if f.HeartbeatInterval <= 0 {
		return fmt.Errorf("fleet.heartbeat_interval must be > 0")
	}
	if f.HeartbeatTimeout <= f.HeartbeatInterval {
		return fmt.Errorf("fleet.heartbeat_timeout must exceed fleet.heartbeat_interval")
	}
	if f.TaskTimeout <= 0 {
		return fmt.Errorf("fleet.task_timeout must be > 0")
	}
	if f.DispatchInterval <= 0 {
		return fmt.Errorf("fleet.dispatch_interval must be > 0")
	}
	if f.SweepInterval <= 0 || f.SweepInterval > f.HeartbeatTimeout {
		return fmt.Errorf("fleet.sweep_interval must be > 0 and <= fleet.heartbeat_timeout")
	}
	if f.DispatchQueueDepth <= 0 {
		return fmt.Errorf("fleet.dispatch_queue_depth must be > 0")
	}
	if f.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("fleet.default_max_attempts must be > 0")
	}
	if f.SendBuffer <= 0 {
		return fmt.Errorf("fleet.send_buffer must be > 0")
	}
	if f.EventRate < 0 || f.EventBurst < 0 {
		return fmt.Errorf("fleet.event_rate and fleet.event_burst must be >= 0")
	}
	return nil
}

// MaxBatchWait converts events.max_batch_wait_ms into a duration.
func (e EventsConfig) MaxBatchWait() time.Duration {
	return time.Duration(e.MaxBatchWaitMs) * time.Millisecond
}

// SinkTimeout converts events.sink_timeout_seconds into a duration.
func (e EventsConfig) SinkTimeout() time.Duration {
	return time.Duration(e.SinkTimeoutSecs) * time.Second
}
