// Package config provides configuration types and defaults for attrset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/attrset/internal/log"
	"github.com/zjrosen/attrset/internal/tracing"
)

// Isolation modes.
const (
	IsolationSnapshot = "snapshot"
	IsolationIdentity = "identity"
)

// Config holds all configuration options for attrset.
type Config struct {
	Engine  EngineConfig   `mapstructure:"engine"`
	Log     LogConfig      `mapstructure:"log"`
	Tracing tracing.Config `mapstructure:"tracing"`
	Stress  StressConfig   `mapstructure:"stress"`
}

// EngineConfig configures the interning engine.
type EngineConfig struct {
	// Isolation selects how attribute values are snapshotted:
	// "snapshot" (default) copies values through deterministic CBOR,
	// "identity" keeps comparable values as they are.
	Isolation  string           `mapstructure:"isolation"`
	MergeCache MergeCacheConfig `mapstructure:"merge_cache"`
}

// MergeCacheConfig configures memoisation of merges.
type MergeCacheConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Expiration      time.Duration `mapstructure:"expiration"`       // sliding, refreshed on every hit
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"` // how often expired entries are purged
}

// LogConfig configures the debug log.
type LogConfig struct {
	Path  string `mapstructure:"path"`  // log file; "-" for stderr, empty disables logging
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// StressConfig holds defaults for the stress command.
type StressConfig struct {
	Workers    int `mapstructure:"workers"`
	Iterations int `mapstructure:"iterations"`
	Keys       int `mapstructure:"keys"`   // distinct attribute keys
	Values     int `mapstructure:"values"` // distinct values per key
}

// DefaultTracesFilePath returns the default traces file path.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".attrset", "traces", "traces.jsonl")
	}
	return filepath.Join(home, ".config", "attrset", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	traces := tracing.DefaultConfig()
	traces.FilePath = DefaultTracesFilePath()

	return Config{
		Engine: EngineConfig{
			Isolation: IsolationSnapshot,
			MergeCache: MergeCacheConfig{
				Enabled:         true,
				Expiration:      10 * time.Minute,
				CleanupInterval: 30 * time.Minute,
			},
		},
		Log: LogConfig{
			Path:  "",
			Level: "info",
		},
		Tracing: traces,
		Stress: StressConfig{
			Workers:    8,
			Iterations: 1000,
			Keys:       4,
			Values:     3,
		},
	}
}

// Validate checks every section of cfg.
func Validate(cfg Config) error {
	if err := ValidateEngine(cfg.Engine); err != nil {
		return err
	}
	if err := ValidateLog(cfg.Log); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return ValidateStress(cfg.Stress)
}

// ValidateEngine checks engine configuration for errors.
func ValidateEngine(engine EngineConfig) error {
	switch engine.Isolation {
	case "", IsolationSnapshot, IsolationIdentity:
	default:
		return fmt.Errorf("engine.isolation must be %q or %q, got %q", IsolationSnapshot, IsolationIdentity, engine.Isolation)
	}

	if engine.MergeCache.Enabled {
		if engine.MergeCache.Expiration <= 0 {
			return fmt.Errorf("engine.merge_cache.expiration must be positive, got %s", engine.MergeCache.Expiration)
		}
		if engine.MergeCache.CleanupInterval < 0 {
			return fmt.Errorf("engine.merge_cache.cleanup_interval cannot be negative, got %s", engine.MergeCache.CleanupInterval)
		}
	}
	return nil
}

// ValidateLog checks the log level name.
func ValidateLog(cfg LogConfig) error {
	if _, err := log.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing tracing.Config) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidateStress checks the stress command defaults.
func ValidateStress(stress StressConfig) error {
	if stress.Workers < 1 {
		return fmt.Errorf("stress.workers must be at least 1, got %d", stress.Workers)
	}
	if stress.Iterations < 1 {
		return fmt.Errorf("stress.iterations must be at least 1, got %d", stress.Iterations)
	}
	if stress.Keys < 1 || stress.Values < 1 {
		return fmt.Errorf("stress.keys and stress.values must be at least 1, got %d and %d", stress.Keys, stress.Values)
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# attrset configuration

engine:
  # How attribute values are snapshotted before interning:
  #   snapshot - deterministic CBOR copy, any encodable value (default)
  #   identity - comparable values kept as they are
  isolation: snapshot

  # Memoise merges of interned sets. Entries expire after being unused
  # for the expiration period.
  merge_cache:
    enabled: true
    expiration: 10m
    cleanup_interval: 30m

log:
  # path: /tmp/attrset.log   # "-" logs to stderr; empty disables logging
  level: info              # debug, info, warn, error

# Distributed tracing (disabled by default)
tracing:
  enabled: false
  exporter: file           # none, file, stdout, otlp
  # file_path: ~/.config/attrset/traces/traces.jsonl
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0

# Defaults for "attrset stress"
stress:
  workers: 8
  iterations: 1000
  keys: 4
  values: 3
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
