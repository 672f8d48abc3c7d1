// Package config loads the server configuration from an optional YAML file over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Addr  string      `yaml:"addr"`
	Store StoreConfig `yaml:"store"`

	PersistInterval time.Duration `yaml:"persist_interval"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	LoadTimeout     time.Duration `yaml:"load_timeout"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`

	Redis RedisConfig `yaml:"redis"`
	Log   LogConfig   `yaml:"log"`

	// DumpDir receives the history of every open field on shutdown when set.
	DumpDir string `yaml:"dump_dir"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables restore broadcasts between instances when Addr is set.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Addr:            "localhost:8080",
		Store:           StoreConfig{Driver: DriverSQLite, DSN: "inheritsync.sqlite3"},
		PersistInterval: 2 * time.Second,
		CacheTTL:        30 * time.Second,
		StatsInterval:   7 * time.Second,
		LoadTimeout:     15 * time.Second,
		StoreTimeout:    10 * time.Second,
		Redis:           RedisConfig{Channel: "inheritsync:restore"},
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. An empty path only applies the defaults and the environment.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is empty", ErrInvalidConfig)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store %s needs a dsn", ErrInvalidConfig, c.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	for name, d := range map[string]time.Duration{
		"persist_interval": c.PersistInterval,
		"cache_ttl":        c.CacheTTL,
		"stats_interval":   c.StatsInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level: %v", ErrInvalidConfig, err)
	}
	return level, nil
}

// Logger builds the process logger. Unknown formats fall back to text.
func (l LogConfig) Logger() *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
