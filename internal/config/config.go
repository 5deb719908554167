// Package config loads engine settings from defaults, an optional YAML file
// and SQLCORE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SQLCORE_"

// Config holds all engine configuration
type Config struct {
	// Storage
	DataDir         string `yaml:"data_dir"`
	BufferPoolPages int    `yaml:"buffer_pool_pages"`
	IndexMaxKeys    int    `yaml:"index_max_keys"`
	WALFile         string `yaml:"wal_file"` // relative paths resolve inside DataDir

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json

	// Admin endpoint; empty disables it
	AdminAddr         string        `yaml:"admin_addr"`
	AdminReadTimeout  time.Duration `yaml:"admin_read_timeout"`
	AdminWriteTimeout time.Duration `yaml:"admin_write_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	EnableMetrics     bool          `yaml:"enable_metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:           "./data",
		BufferPoolPages:   128,
		IndexMaxKeys:      4,
		WALFile:           "wal.log",
		LogLevel:          "info",
		LogFormat:         "console",
		AdminReadTimeout:  10 * time.Second,
		AdminWriteTimeout: 30 * time.Second,
		ShutdownGrace:     10 * time.Second,
		EnableMetrics:     true,
	}
}

// Load builds a Config from defaults, then the YAML file at path (skipped
// when path is empty), then the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays SQLCORE_* variables. Unset or empty variables leave the
// field alone; a value that does not parse is an error naming the variable.
func (c *Config) applyEnv() error {
	env := &envReader{}
	env.str("DATA_DIR", &c.DataDir)
	env.int("BUFFER_POOL_PAGES", &c.BufferPoolPages)
	env.int("INDEX_MAX_KEYS", &c.IndexMaxKeys)
	env.str("WAL_FILE", &c.WALFile)
	env.str("LOG_LEVEL", &c.LogLevel)
	env.str("LOG_FORMAT", &c.LogFormat)
	env.str("ADMIN_ADDR", &c.AdminAddr)
	env.duration("ADMIN_READ_TIMEOUT", &c.AdminReadTimeout)
	env.duration("ADMIN_WRITE_TIMEOUT", &c.AdminWriteTimeout)
	env.duration("SHUTDOWN_GRACE", &c.ShutdownGrace)
	env.bool("ENABLE_METRICS", &c.EnableMetrics)
	return env.err
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.BufferPoolPages <= 0 {
		return fmt.Errorf("buffer pool pages must be positive, got %d", c.BufferPoolPages)
	}
	if c.IndexMaxKeys < 3 {
		return fmt.Errorf("index max keys must be at least 3, got %d", c.IndexMaxKeys)
	}
	if c.WALFile == "" {
		return fmt.Errorf("WAL file is required")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// WALPath returns the WAL location, resolving a relative WALFile against
// DataDir.
func (c *Config) WALPath() string {
	if filepath.IsAbs(c.WALFile) {
		return c.WALFile
	}
	return filepath.Join(c.DataDir, c.WALFile)
}

// envReader collects every malformed variable instead of stopping at the
// first one.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, string, bool) {
	name := EnvPrefix + key
	value := os.Getenv(name)
	return name, value, value != ""
}

func (e *envReader) fail(name, value, want string) {
	e.err = errors.Join(e.err, fmt.Errorf("%s=%q is not a valid %s", name, value, want))
}

func (e *envReader) str(key string, dst *string) {
	if _, value, ok := e.lookup(key); ok {
		*dst = value
	}
}

func (e *envReader) int(key string, dst *int) {
	name, value, ok := e.lookup(key)
	if !ok {
		return
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		e.fail(name, value, "integer")
		return
	}
	*dst = i
}

func (e *envReader) bool(key string, dst *bool) {
	name, value, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.fail(name, value, "boolean")
		return
	}
	*dst = b
}

// duration accepts Go duration syntax or a bare number of milliseconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	name, value, ok := e.lookup(key)
	if !ok {
		return
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.fail(name, value, "duration")
		return
	}
	*dst = d
}
