// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type HTTP struct {
	Addr string `yaml:"addr" env:"BACKROOMS_HTTP_ADDR" env-default:":8080"`
	// UserHeader carries the owning user id on API requests.
	UserHeader string `yaml:"user_header" env:"BACKROOMS_USER_HEADER" env-default:"X-User-ID"`
}

type Database struct {
	Path string `yaml:"path" env:"BACKROOMS_DB_PATH" env-default:"backrooms.db"`
}

type Redis struct {
	// Addr enables the shared turn lock when set.
	Addr      string `yaml:"addr" env:"BACKROOMS_REDIS_ADDR"`
	Password  string `yaml:"password" env:"BACKROOMS_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"BACKROOMS_REDIS_DB" env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"BACKROOMS_REDIS_KEY_PREFIX" env-default:"backrooms:"`
	// LockTTL is how long a turn lock survives a crashed holder.
	LockTTL time.Duration `yaml:"lock_ttl" env:"BACKROOMS_REDIS_LOCK_TTL" env-default:"30s"`
}

type Turn struct {
	Timeout time.Duration `yaml:"timeout" env:"BACKROOMS_TURN_TIMEOUT" env-default:"2m"`
	// TokenEncoding is the tiktoken encoding used to size prompts.
	TokenEncoding string `yaml:"token_encoding" env:"BACKROOMS_TOKEN_ENCODING" env-default:"cl100k_base"`
}

type Connection struct {
	TestTimeout time.Duration `yaml:"test_timeout" env:"BACKROOMS_CONNECTION_TEST_TIMEOUT" env-default:"15s"`
}

type Config struct {
	HTTP       HTTP       `yaml:"http"`
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	Turn       Turn       `yaml:"turn"`
	Connection Connection `yaml:"connection"`
	LogLevel   string     `yaml:"log_level" env:"BACKROOMS_LOG_LEVEL" env-default:"info"`
}

// Load reads cfgPath, if given, and then the environment, which wins.
func Load(cfgPath string) (*Config, error) {
	var cfg Config
	if cfgPath != "" {
		if err := cleanenv.ReadConfig(cfgPath, &cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", cfgPath, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	if cfg.Turn.Timeout < 0 || cfg.Connection.TestTimeout < 0 {
		return nil, fmt.Errorf("timeouts must not be negative")
	}
	return &cfg, nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
