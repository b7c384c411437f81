package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func isolateHome(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
}

func TestLoad(t *testing.T) {
	t.Run("defaults without a config file", func(t *testing.T) {
		isolateHome(t)

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
		assert.Equal(t, 30*time.Second, cfg.Timeout)
		assert.Equal(t, 30*time.Second, cfg.RefreshInterval)
		assert.Equal(t, 4, cfg.InfoConcurrency)
		assert.True(t, cfg.StrictValidation)
		assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
	})

	t.Run("file values override defaults", func(t *testing.T) {
		isolateHome(t)
		path := writeConfig(t, `
base_url: https://files.example.com/
timeout: 5s
refresh_interval: 1m
info_concurrency: 2
strict_validation: false
log_level: debug
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "https://files.example.com", cfg.BaseURL)
		assert.Equal(t, 5*time.Second, cfg.Timeout)
		assert.Equal(t, time.Minute, cfg.RefreshInterval)
		assert.Equal(t, 2, cfg.InfoConcurrency)
		assert.False(t, cfg.StrictValidation)
		assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	})

	t.Run("environment overrides file", func(t *testing.T) {
		isolateHome(t)
		path := writeConfig(t, "base_url: http://a.example\n")
		t.Setenv("TAGES_BASE_URL", "http://b.example:9000")
		t.Setenv("TAGES_REFRESH_INTERVAL", "0s")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "http://b.example:9000", cfg.BaseURL)
		assert.Equal(t, time.Duration(0), cfg.RefreshInterval)
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		isolateHome(t)
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		isolateHome(t)
		cases := map[string]string{
			"relative url":   "base_url: /api\n",
			"bad scheme":     "base_url: ftp://example.com\n",
			"zero timeout":   "timeout: 0s\n",
			"no concurrency": "info_concurrency: 0\n",
			"bad level":      "log_level: loud\n",
		}
		for name, content := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := Load(writeConfig(t, content))
				assert.Error(t, err)
			})
		}
	})
}

func TestLoadWithFlags(t *testing.T) {
	isolateHome(t)
	t.Setenv("TAGES_BASE_URL", "http://env.example:9000")
	path := writeConfig(t, "log_level: error\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("base-url", "", "")
	fs.String("log-level", "", "")
	fs.Duration("timeout", 0, "")
	require.NoError(t, fs.Parse([]string{"--base-url", "http://flag.example:7000/", "--timeout", "5s"}))

	cfg, err := LoadWithFlags(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "http://flag.example:7000", cfg.BaseURL, "flags win over env")
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, "error", cfg.LogLevel, "unset flags do not mask the file")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("trace")
	assert.Error(t, err)
}
