// Package config loads limitd's host configuration: the listen/metrics
// addresses, logging, the engine's tunables, and the audit sink's Redis
// settings.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Audit   AuditConfig   `mapstructure:"audit"`
}

// ServerConfig defines the host's listen addresses.
type ServerConfig struct {
	// SocketPath is a Unix socket limitd serve accepts start/stop event
	// connections on. Empty means stdin only.
	SocketPath  string `mapstructure:"socket_path"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig defines the engine's tunables, loaded into engine.Config.
type EngineConfig struct {
	MinTimeLimitMs            int64 `mapstructure:"min_time_limit_ms"`
	MaxAppObserversPerUID     int   `mapstructure:"max_app_observers_per_uid"`
	MaxSessionObserversPerUID int   `mapstructure:"max_session_observers_per_uid"`
	ObserverAppCacheSize      int   `mapstructure:"observer_app_eviction_cache_size"`
}

// AuditConfig defines the Redis-backed notification audit sink.
type AuditConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisDB      int    `mapstructure:"redis_db"`
	Channel      string `mapstructure:"channel"`
	StreamName   string `mapstructure:"stream_name"`
	StreamMaxLen int64  `mapstructure:"stream_maxlen"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("LIMITD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.socket_path", "")
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("engine.min_time_limit_ms", 60_000)
	v.SetDefault("engine.max_app_observers_per_uid", 1000)
	v.SetDefault("engine.max_session_observers_per_uid", 1000)
	v.SetDefault("engine.observer_app_eviction_cache_size", 256)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.redis_addr", "127.0.0.1:6379")
	v.SetDefault("audit.redis_db", 0)
	v.SetDefault("audit.channel", "limitd:events")
	v.SetDefault("audit.stream_name", "limitd:events:stream")
	v.SetDefault("audit.stream_maxlen", 10_000)
}

func validate(cfg *Config) error {
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Engine.MinTimeLimitMs <= 0 {
		return fmt.Errorf("engine.min_time_limit_ms must be positive")
	}
	if cfg.Engine.MaxAppObserversPerUID <= 0 {
		return fmt.Errorf("engine.max_app_observers_per_uid must be positive")
	}
	if cfg.Engine.MaxSessionObserversPerUID <= 0 {
		return fmt.Errorf("engine.max_session_observers_per_uid must be positive")
	}
	if cfg.Audit.Enabled && cfg.Audit.RedisAddr == "" {
		return fmt.Errorf("audit.redis_addr is required when audit.enabled is true")
	}
	return nil
}
