// Package config holds the engine configuration file shape.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config mirrors the YAML configuration shape.
type Config struct {
	// StoreDir is where script definitions and execution history live.
	// Empty means the platform user config directory.
	StoreDir string         `yaml:"store_dir,omitempty" json:"store_dir,omitempty"`
	Logging  *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
	Engine   EngineConfig   `yaml:"engine,omitempty" json:"engine,omitempty"`
}

// LoggingConfig holds the logging configuration. If no path is provided,
// logs are written to stderr.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Path  string `yaml:"path,omitempty" json:"path,omitempty"`
}

// EngineConfig tunes execution behavior.
type EngineConfig struct {
	// KillGrace is how long a kill waits for the interrupt to be honored
	// before the session is force-closed. Default 5s.
	KillGrace string `yaml:"kill_grace,omitempty" json:"kill_grace,omitempty"`
	// MaxConcurrent caps simultaneous executions. 0 means no cap.
	MaxConcurrent int `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
}

// ParseYAML loads and validates configuration using strict decoding.
func ParseYAML(data []byte) (*Config, error) {
	var config Config
	if err := yaml.UnmarshalWithOptions(data, &config, yaml.Strict()); err != nil {
		return nil, err
	}
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Load reads the config at path, or returns defaults when path is empty or
// the file does not exist.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	return ParseYAML(data)
}

func validateConfig(cfg *Config) error {
	var errs []string

	if cfg.Logging != nil && strings.TrimSpace(cfg.Logging.Level) != "" {
		switch cfg.Logging.Level {
		case "debug", "info", "warn", "error":
			// ok
		default:
			errs = append(errs, "logging.level must be one of [debug, info, warn, error]")
		}
	}

	if strings.TrimSpace(cfg.Engine.KillGrace) != "" {
		d, err := time.ParseDuration(cfg.Engine.KillGrace)
		if err != nil || d <= 0 {
			errs = append(errs, "engine.kill_grace must be a positive duration")
		}
	}
	if cfg.Engine.MaxConcurrent < 0 {
		errs = append(errs, "engine.max_concurrent must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// KillGraceDuration returns the parsed grace period, or 0 when unset.
func (c *Config) KillGraceDuration() time.Duration {
	if strings.TrimSpace(c.Engine.KillGrace) == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Engine.KillGrace)
	if err != nil {
		return 0
	}
	return d
}

// ResolveStoreDir returns the configured store directory or the platform
// default.
func (c *Config) ResolveStoreDir() string {
	if c.StoreDir != "" {
		return c.StoreDir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "scriptctl")
	}
	return ".scriptctl"
}

// NewLogger creates a logger based on the logging configuration. The
// returned func closes the log file, if any.
func NewLogger(cfg *Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	var path string
	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		path = cfg.Logging.Path
	}

	opts := &slog.HandlerOptions{Level: level}
	if path != "" {
		file, err := os.Create(path)
		if err != nil {
			return nil, nil, fmt.Errorf("error creating log file: %w", err)
		}
		return slog.New(slog.NewTextHandler(file, opts)), func() { file.Close() }, nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}, nil
}
