package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidated_partialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
archive:
  root: /srv/archive
rate_limit:
  min_spacing: 2s
`)

	cfg, err := LoadValidated(path)
	require.NoError(t, err)

	require.Equal(t, "/srv/archive", cfg.Archive.Root)
	require.Equal(t, 2*time.Second, cfg.RateLimit.MinSpacing)

	// Everything the file does not name stays at the built-in default.
	require.Equal(t, 10*time.Second, cfg.Archive.LockTimeout)
	require.Equal(t, time.Minute, cfg.RateLimit.Window)
	require.Equal(t, int64(50<<20), cfg.RateLimit.WindowBudget)
	require.Equal(t, "info", cfg.Application.LogLevel)
}

func TestLoadValidated_fullDocument(t *testing.T) {
	path := writeConfig(t, `
application:
  name: series-archiver
  log_level: debug
archive:
  root: data
  lock_timeout: 30s
source:
  base_url: https://history.internal/v2
  app_key: secret
  timeout: 45s
rate_limit:
  min_spacing: 1s
  window: 30s
  window_budget_bytes: 1048576
progress:
  listen: 127.0.0.1:8099
`)

	cfg, err := LoadValidated(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Application.LogLevel)
	require.Equal(t, 30*time.Second, cfg.Archive.LockTimeout)
	require.Equal(t, "https://history.internal/v2", cfg.Source.BaseURL)
	require.Equal(t, "secret", cfg.Source.AppKey)
	require.Equal(t, 45*time.Second, cfg.Source.Timeout)
	require.Equal(t, time.Second, cfg.RateLimit.MinSpacing)
	require.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	require.Equal(t, int64(1<<20), cfg.RateLimit.WindowBudget)
	require.Equal(t, "127.0.0.1:8099", cfg.Progress.Listen)
}

func TestLoadValidated_rejectsUnknownSection(t *testing.T) {
	path := writeConfig(t, `
archve:
  root: typo
`)

	_, err := LoadValidated(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "validation failed")
}

func TestLoadValidated_rejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, `
application:
  log_level: loud
`)

	_, err := LoadValidated(path)
	require.Error(t, err)
}

func TestLoadValidated_environmentOverrides(t *testing.T) {
	path := writeConfig(t, `
archive:
  root: from-file
`)

	t.Setenv("ARCHIVE_ROOT", "/mnt/override")
	t.Setenv("SOURCE_APP_KEY", "env-key")
	t.Setenv("RATE_MIN_SPACING", "250ms")

	cfg, err := LoadValidated(path)
	require.NoError(t, err)
	require.Equal(t, "/mnt/override", cfg.Archive.Root)
	require.Equal(t, "env-key", cfg.Source.AppKey)
	require.Equal(t, 250*time.Millisecond, cfg.RateLimit.MinSpacing)
}

func TestConfig_saveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Archive.Root = "/srv/archive"
	cfg.RateLimit.MinSpacing = 3 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadValidated(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Archive.Root, loaded.Archive.Root)
	require.Equal(t, cfg.Archive.LockTimeout, loaded.Archive.LockTimeout)
	require.Equal(t, cfg.RateLimit.MinSpacing, loaded.RateLimit.MinSpacing)
	require.Equal(t, cfg.Source.Timeout, loaded.Source.Timeout)
}
