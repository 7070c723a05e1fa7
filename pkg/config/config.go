package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dblight/pkg/dberrors"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config - root configuration of a dblight process.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Engine EngineConfig `yaml:"engine" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// EngineConfig describes one engine instance. ShardCount must stay the same
// across restarts for a given StoragePath; nothing on disk records it.
type EngineConfig struct {
	Name          string        `yaml:"name" validate:"required"`
	StoragePath   string        `yaml:"storage_path" validate:"required"`
	ShardCount    int           `yaml:"shard_count" validate:"required,min=1"`
	CacheCapacity int           `yaml:"cache_capacity" validate:"min=0"`
	CacheRequired bool          `yaml:"cache_required"`
	DefaultTTL    time.Duration `yaml:"ttl_default" validate:"min=0"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"min=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=0"`
	Preload       bool          `yaml:"preload"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Engine: EngineConfig{
			Name:          "data",
			StoragePath:   "./data",
			ShardCount:    4,
			CacheCapacity: 10000,
			FlushInterval: 5 * time.Second,
			SweepInterval: 30 * time.Second,
		},
	}
}

// Load reads a YAML config from path on top of Default(). A missing file is
// not an error: the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrInvalidConfig, err)
	}
	return c.Engine.checkCache()
}

// Validate checks the engine settings. Only configuration mistakes are
// fatal at open time, so everything here is.
func (e EngineConfig) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrInvalidConfig, err)
	}
	return e.checkCache()
}

func (e EngineConfig) checkCache() error {
	if e.CacheRequired && e.CacheCapacity == 0 {
		return fmt.Errorf("%w: cache_required is set but cache_capacity is 0", dberrors.ErrCapacityExhausted)
	}
	return nil
}

// SlogLevel maps Logger.Level onto slog.
func (l LoggerConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
