package config

import (
	"strings"
	"time"

	"github.com/plc-visualizer/backend/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyDirsDefaults(&cfg.Dirs)
	applySessionDefaults(&cfg.Session)
	applyParseDefaults(&cfg.Parse)
	applyQueryDefaults(&cfg.Query)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalized to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	// WriteTimeout stays zero: push endpoints hold the response open.
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyDirsDefaults(cfg *DirsConfig) {
	if cfg.Upload == "" {
		cfg.Upload = "/var/lib/plcvis/uploads"
	}
	if cfg.Parsed == "" {
		cfg.Parsed = "/var/lib/plcvis/parsed"
	}
	// Temp has no default - empty means the system temp directory.
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 10
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 2 * time.Minute
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.LargeFileThreshold == 0 {
		cfg.LargeFileThreshold = 512 * bytesize.MiB
	}
}

func applyParseDefaults(cfg *ParseConfig) {
	if cfg.ParseMemory == 0 {
		cfg.ParseMemory = bytesize.GiB
	}
	if cfg.IndexMemory == 0 {
		cfg.IndexMemory = bytesize.GiB + bytesize.GiB/2
	}
	// Workers defaults to zero: the store sizes its thread pool from the
	// CPU count.
}

func applyQueryDefaults(cfg *QueryConfig) {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 3
	}
}

// GetDefaultConfig returns a Config with all default values applied.
// Useful for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
