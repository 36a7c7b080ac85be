// Package config provides configuration management for sessiond.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends for the document store.
const (
	StoresTypeMemory = "nanodb-memory"
	StoresTypeSQLite = "nanodb-sqlite"
)

// Auth handler types.
const (
	AuthTypeNoop = "noop"
)

// Config holds all configuration sections for sessiond.
type Config struct {
	Env     string        `mapstructure:"env"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Stores  StoresConfig  `mapstructure:"stores"`
	Auth    AuthConfig    `mapstructure:"auth"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Stream  StreamConfig  `mapstructure:"stream"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StoresConfig selects the document store backend.
type StoresConfig struct {
	Type       string `mapstructure:"type"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// AuthConfig selects the auth handler.
type AuthConfig struct {
	Type string `mapstructure:"type"`
}

// NATSConfig holds configuration of the optional NATS notification bus.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StreamConfig holds live-stream tuning knobs.
type StreamConfig struct {
	// SubscriberBuffer is the bounded channel size of each emitter subscriber.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
	// IdleTimeout ends a live stream that has been silent this long.
	// Zero disables the timeout.
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
// SSE responses outlive any fixed write deadline, so the server applies this
// only to non-streaming writes via ReadHeaderTimeout semantics.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Load reads configuration from sessiond.yaml (if present) and SESSIOND_*
// environment variables, applying defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("sessiond")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sessiond")

	v.SetEnvPrefix("SESSIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("stores.type", StoresTypeMemory)
	v.SetDefault("stores.sqlitePath", "sessiond.db")
	v.SetDefault("auth.type", AuthTypeNoop)
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("stream.subscriberBuffer", 64)
	v.SetDefault("stream.idleTimeout", time.Duration(0))
}

func (c *Config) validate() error {
	switch c.Stores.Type {
	case StoresTypeMemory, StoresTypeSQLite:
	default:
		return fmt.Errorf("unsupported stores type: %s", c.Stores.Type)
	}
	switch c.Auth.Type {
	case AuthTypeNoop:
	default:
		return fmt.Errorf("unsupported auth type: %s", c.Auth.Type)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}
