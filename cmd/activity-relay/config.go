package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the relay daemon settings.
type Config struct {
	// Listen is the address for the websocket endpoint and health check.
	Listen string `yaml:"listen"`

	// MetricsListen is the address for the prometheus endpoint. Empty
	// disables it.
	MetricsListen string `yaml:"metrics_listen"`

	// AuthToken, when set, is the bearer token clients must present.
	AuthToken string `yaml:"auth_token"`

	// RedisAddr selects the redis-backed store. Empty keeps state in
	// memory, which only works for a single relay instance.
	RedisAddr string `yaml:"redis_addr"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the built-in settings. Secrets come from the
// environment so they stay out of config files.
func DefaultConfig() Config {
	return Config{
		Listen:        ":8137",
		MetricsListen: ":9137",
		AuthToken:     os.Getenv("RELAY_AUTH_TOKEN"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		LogLevel:      "info",
	}
}

// LoadConfig reads a YAML file over the defaults; the file overwrites only
// the fields it names. An empty path yields the defaults alone.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8137"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

func (c Config) slogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
}
