// Package config provides YAML-based configuration loading for peerlink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the application
	AppName string `mapstructure:"app_name"`

	// PeerName identifies this endpoint in logs and demo tooling
	PeerName string `mapstructure:"peer_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Dispatch holds request dispatcher defaults
	Dispatch DispatchConfig `mapstructure:"dispatch"`

	// Transport selects and configures the peer link
	Transport TransportConfig `mapstructure:"transport"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DispatchConfig holds dispatcher defaults applied when a caller leaves the
// corresponding send option unset.
type DispatchConfig struct {
	DefaultMaxAttempts  int    `mapstructure:"default_max_attempts"`
	DefaultTimeoutMS    int    `mapstructure:"default_timeout_ms"`
	UnhealthyThreshold  int    `mapstructure:"unhealthy_threshold"`
	UnhealthySuggestion string `mapstructure:"unhealthy_suggestion"`
	EventBuffer         int    `mapstructure:"event_buffer"`
}

// DefaultTimeout returns the configured default retry timeout as a duration.
func (d DispatchConfig) DefaultTimeout() time.Duration {
	return time.Duration(d.DefaultTimeoutMS) * time.Millisecond
}

// TransportConfig selects the peer link implementation.
type TransportConfig struct {
	// Kind: mem or quic
	Kind string `mapstructure:"kind"`
	// Listen address for the accepting side (quic)
	Listen string `mapstructure:"listen"`
	// Dial address for the connecting side (quic)
	Dial string `mapstructure:"dial"`
	// Redial backoff bounds for the dialing side
	RedialInitialMS int `mapstructure:"redial_initial_ms"`
	RedialMaxMS     int `mapstructure:"redial_max_ms"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName:  "peerlink",
		PeerName: "peer-1",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/peerlink.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Dispatch: DispatchConfig{
			DefaultMaxAttempts:  3,
			DefaultTimeoutMS:    10000,
			UnhealthyThreshold:  5,
			UnhealthySuggestion: "check that the peer application is installed and reachable",
			EventBuffer:         256,
		},
		Transport: TransportConfig{
			Kind:            "quic",
			Listen:          ":7843",
			RedialInitialMS: 500,
			RedialMaxMS:     30000,
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix PEERLINK and `.`/`-` are replaced
// with `_`. Example: PEERLINK_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PEERLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("peer_name", cfg.PeerName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("dispatch.default_max_attempts", cfg.Dispatch.DefaultMaxAttempts)
	v.SetDefault("dispatch.default_timeout_ms", cfg.Dispatch.DefaultTimeoutMS)
	v.SetDefault("dispatch.unhealthy_threshold", cfg.Dispatch.UnhealthyThreshold)
	v.SetDefault("dispatch.unhealthy_suggestion", cfg.Dispatch.UnhealthySuggestion)
	v.SetDefault("dispatch.event_buffer", cfg.Dispatch.EventBuffer)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.listen", cfg.Transport.Listen)
	v.SetDefault("transport.dial", cfg.Transport.Dial)
	v.SetDefault("transport.redial_initial_ms", cfg.Transport.RedialInitialMS)
	v.SetDefault("transport.redial_max_ms", cfg.Transport.RedialMaxMS)

	if path == "" {
		if envPath := os.Getenv("PEERLINK_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("peerlink")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".peerlink"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Dispatch.DefaultMaxAttempts < 1 {
		return fmt.Errorf("dispatch.default_max_attempts must be >= 1, got %d", c.Dispatch.DefaultMaxAttempts)
	}
	if c.Dispatch.DefaultTimeoutMS <= 0 {
		return fmt.Errorf("dispatch.default_timeout_ms must be positive, got %d", c.Dispatch.DefaultTimeoutMS)
	}
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "mem", "quic":
		// ok
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
