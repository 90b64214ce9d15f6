// Package config loads and validates the server configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (PLCVIS_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/plc-visualizer/backend/internal/bytesize"
)

// Config is the complete server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP listener
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Dirs locates the on-disk state: raw uploads, parsed columnar
	// stores, and scratch space for the store builder
	Dirs DirsConfig `mapstructure:"dirs" yaml:"dirs"`

	// Session tunes the session manager
	Session SessionConfig `mapstructure:"session" yaml:"session"`

	// Parse tunes the parse pipeline and store builder
	Parse ParseConfig `mapstructure:"parse" yaml:"parse"`

	// Query tunes the query layer
	Query QueryConfig `mapstructure:"query" yaml:"query"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the bind address. Empty binds all interfaces.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the HTTP port
	// Default: 8080
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// ReadTimeout bounds request reads. Generous because chunk uploads
	// arrive over slow links.
	// Default: 5m
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout bounds response writes. Zero disables it, which the
	// push endpoints require.
	// Default: 0
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout bounds keep-alive connections
	// Default: 120s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// Default: 30s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// MetricsConfig configures Prometheus metrics exposure.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the /metrics
	// endpoint are active
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DirsConfig locates the server's on-disk state.
type DirsConfig struct {
	// Upload is the raw file store directory (required)
	Upload string `mapstructure:"upload" validate:"required" yaml:"upload"`

	// Parsed is the columnar store directory (required)
	Parsed string `mapstructure:"parsed" validate:"required" yaml:"parsed"`

	// Temp is the scratch directory for store builds. Empty uses the
	// system temp directory.
	Temp string `mapstructure:"temp" yaml:"temp,omitempty"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	// MaxSessions is the concurrent session cap
	// Default: 10
	MaxSessions int `mapstructure:"max_sessions" validate:"omitempty,min=1" yaml:"max_sessions"`

	// KeepAlive protects recently accessed sessions from eviction
	// Default: 2m
	KeepAlive time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`

	// TTL is the idle age after which the background sweeper removes a
	// terminal session
	// Default: 30m
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`

	// CleanupInterval is how often the sweeper runs
	// Default: 1m
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`

	// LargeFileThreshold bounds the in-memory parsers
	// Supports human-readable formats: "512MB", "1GiB"
	// Default: 512MiB
	LargeFileThreshold bytesize.ByteSize `mapstructure:"large_file_threshold" yaml:"large_file_threshold,omitempty"`
}

// ParseConfig tunes the parse pipeline and the columnar store builder.
type ParseConfig struct {
	// ParseMemory is the store builder's page cache budget during bulk
	// appends
	// Default: 1GiB
	ParseMemory bytesize.ByteSize `mapstructure:"parse_memory" yaml:"parse_memory,omitempty"`

	// IndexMemory is the page cache budget during index builds
	// Default: 1.5GiB
	IndexMemory bytesize.ByteSize `mapstructure:"index_memory" yaml:"index_memory,omitempty"`

	// Workers is the store builder's worker thread count. Zero lets the
	// store pick from the CPU count.
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers,omitempty"`
}

// QueryConfig tunes the query layer.
type QueryConfig struct {
	// Concurrency is the per-store heavy-query semaphore capacity
	// Default: 3
	Concurrency int `mapstructure:"concurrency" validate:"omitempty,min=1" yaml:"concurrency"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file
// settings. Environment variables use the PLCVIS_ prefix and underscores,
// e.g. PLCVIS_LOGGING_LEVEL=DEBUG or PLCVIS_SERVER_PORT=9000.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("PLCVIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns whether
// a file was found; a missing file is not an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types:
// ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize so
// config files can use human-readable sizes like "1GiB" or "500MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// use human-readable durations like "30s" or "5m".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory: $XDG_CONFIG_HOME/plcvis,
// ~/.config/plcvis, or the current directory as a last resort.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "plcvis")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "plcvis")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
