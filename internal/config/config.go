package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the client settings.
type Config struct {
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	StateFile        string        `mapstructure:"state_file"`
	LogLevel         string        `mapstructure:"log_level"`
	InfoConcurrency  int           `mapstructure:"info_concurrency"`
	StrictValidation bool          `mapstructure:"strict_validation"`
}

const envPrefix = "TAGES"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:          "http://localhost:8080",
		Timeout:          30 * time.Second,
		RefreshInterval:  30 * time.Second,
		StateFile:        defaultStateFile(),
		LogLevel:         "warn",
		InfoConcurrency:  4,
		StrictValidation: true,
	}
}

// Load reads configuration from defaults, an optional YAML file and
// TAGES_* environment variables, in increasing order of precedence.
// An empty path means the default location, which may be absent.
func Load(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"base-url":  "base_url",
	"log-level": "log_level",
	"timeout":   "timeout",
}

// LoadWithFlags is Load with explicitly set flags from fs taking
// precedence over everything else.
func LoadWithFlags(path string, fs *pflag.FlagSet) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("refresh_interval", def.RefreshInterval)
	v.SetDefault("state_file", def.StateFile)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("info_concurrency", def.InfoConcurrency)
	v.SetDefault("strict_validation", def.StrictValidation)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil || explicit {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid base_url %q: must be an absolute http(s) URL", c.BaseURL)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.RefreshInterval < 0 {
		return errors.New("refresh_interval must not be negative")
	}
	if c.InfoConcurrency < 1 {
		return errors.New("info_concurrency must be at least 1")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level. Validate has already
// rejected unknown names.
func (c *Config) SlogLevel() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
}

// DefaultPath is ~/.config/tages/config.yaml, or empty when the user
// config directory cannot be determined.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tages", "config.yaml")
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".tages-session.json")
	}
	return filepath.Join(dir, "tages", "session.json")
}
