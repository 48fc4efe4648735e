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

// Defaults applied by DefaultConfig.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxBufferSize = 8192
	DefaultRows          = 24
	DefaultCols          = 80
)

// Environment variables recognised by Load.
const (
	EnvConfig     = "EXPECTPTY_CONFIG"
	EnvTimeout    = "EXPECTPTY_TIMEOUT"
	EnvMaxBuffer  = "EXPECTPTY_MAX_BUFFER"
	EnvStripANSI  = "EXPECTPTY_STRIP_ANSI"
	EnvRows       = "EXPECTPTY_ROWS"
	EnvCols       = "EXPECTPTY_COLS"
	EnvTranscript = "EXPECTPTY_TRANSCRIPT"
)

// Config holds the settings of an expect session
type Config struct {
	// Timeout bounds every expect call. Zero waits indefinitely.
	Timeout time.Duration `yaml:"timeout" env:"EXPECTPTY_TIMEOUT"`

	// Buffer settings
	MaxBufferSize int  `yaml:"max_buffer_size" env:"EXPECTPTY_MAX_BUFFER"`
	StripANSI     bool `yaml:"strip_ansi" env:"EXPECTPTY_STRIP_ANSI"`

	// Terminal size
	Rows uint16 `yaml:"rows" env:"EXPECTPTY_ROWS"`
	Cols uint16 `yaml:"cols" env:"EXPECTPTY_COLS"`

	// Process environment: Env entries (KEY=VALUE) are added to the
	// inherited environment.
	Env []string `yaml:"env"`
	Dir string   `yaml:"dir"`

	// Transcript recording
	TranscriptPath     string `yaml:"transcript" env:"EXPECTPTY_TRANSCRIPT"`
	CompressTranscript bool   `yaml:"compress_transcript"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:       DefaultTimeout,
		MaxBufferSize: DefaultMaxBufferSize,
		Rows:          DefaultRows,
		Cols:          DefaultCols,
	}
}

// Load loads configuration from the default file location and environment
func Load() (*Config, error) {
	return LoadFile(getConfigPath())
}

// LoadFile loads configuration from path, then applies environment
// overrides. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// getConfigPath returns the config file path
func getConfigPath() string {
	if path := os.Getenv(EnvConfig); path != "" {
		return path
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "expectpty", "config.yaml")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "expectpty", "config.yaml")
	}

	return ""
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, path string) error {
	// #nosec G304 - The config file path comes from trusted sources (flag, env var or standard locations)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) error {
	if timeout := os.Getenv(EnvTimeout); timeout != "" {
		d, err := parseTimeout(timeout)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvTimeout, err)
		}
		cfg.Timeout = d
	}

	if size := os.Getenv(EnvMaxBuffer); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxBuffer, err)
		}
		cfg.MaxBufferSize = n
	}

	if strip := os.Getenv(EnvStripANSI); strip != "" {
		b, err := parseBool(strip)
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", EnvStripANSI, err)
		}
		cfg.StripANSI = b
	}

	if rows := os.Getenv(EnvRows); rows != "" {
		n, err := strconv.ParseUint(rows, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRows, err)
		}
		cfg.Rows = uint16(n)
	}

	if cols := os.Getenv(EnvCols); cols != "" {
		n, err := strconv.ParseUint(cols, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvCols, err)
		}
		cfg.Cols = uint16(n)
	}

	if path := os.Getenv(EnvTranscript); path != "" {
		cfg.TranscriptPath = path
	}

	return nil
}

// parseTimeout accepts a Go duration or a bare "0" to disable the timeout.
func parseTimeout(s string) (time.Duration, error) {
	if s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("%q (use true/false)", s)
	}
}

// Validate checks the configuration for values a session cannot use.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	if c.MaxBufferSize <= 0 {
		return fmt.Errorf("max_buffer_size must be positive")
	}

	if c.Rows == 0 || c.Cols == 0 {
		return fmt.Errorf("rows and cols must be positive")
	}

	return nil
}

// ProcessEnv returns the environment for a spawned process: the current
// environment followed by the configured entries.
func (c *Config) ProcessEnv() []string {
	if len(c.Env) == 0 {
		return nil
	}
	env := os.Environ()
	return append(env[:len(env):len(env)], c.Env...)
}
