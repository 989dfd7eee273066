package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points XDG dirs at a temp dir so no user config is read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_CACHE_HOME", dir)
	return dir
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "enrichwatch", "config.toml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultDBPath(t *testing.T) {
	t.Run("with XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "/custom/cache")
		assert.Equal(t, "/custom/cache/enrichwatch/state.db", DefaultDBPath())
	})

	t.Run("without XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "")
		path := DefaultDBPath()
		assert.True(t, strings.HasSuffix(path, filepath.Join(".cache", "enrichwatch", "state.db")), path)
	})
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/enrichwatch/config.toml", DefaultConfigPath())
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load([]string{"-api", "https://api.example.com"})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, StorageSQLite, cfg.Storage)
	assert.Equal(t, 2*time.Minute, cfg.RetryInterval)
	assert.Equal(t, 3*time.Second, cfg.JobPollInterval)
	assert.Equal(t, 30*time.Second, cfg.ListPollInterval)
	assert.Equal(t, 50, cfg.FailedPageSize)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 100, cfg.MaxWatchedJobs)
	assert.Equal(t, 5, cfg.NotFoundLimit)
	assert.Empty(t, cfg.WatchJobs)
}

func TestLoad_MissingAPI(t *testing.T) {
	isolate(t)

	_, err := Load(nil)
	assert.Error(t, err)
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `
api_base_url = "https://file.example.com"
storage = "memory"
retry_interval = "5m"
failed_page_size = 20
log_level = "debug"
watch_jobs = ["from-file"]
`)

	t.Run("file", func(t *testing.T) {
		cfg, err := Load(nil)
		require.NoError(t, err)
		assert.Equal(t, "https://file.example.com", cfg.APIBaseURL)
		assert.Equal(t, StorageMemory, cfg.Storage)
		assert.Equal(t, 5*time.Minute, cfg.RetryInterval)
		assert.Equal(t, 20, cfg.FailedPageSize)
		assert.Equal(t, []string{"from-file"}, cfg.WatchJobs)
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("ENRICHWATCH_RETRY_INTERVAL", "7m")
		t.Setenv("ENRICHWATCH_FAILED_PAGE_SIZE", "30")

		cfg, err := Load(nil)
		require.NoError(t, err)
		assert.Equal(t, 7*time.Minute, cfg.RetryInterval)
		assert.Equal(t, 30, cfg.FailedPageSize)
		assert.Equal(t, StorageMemory, cfg.Storage)
	})

	t.Run("flags over env", func(t *testing.T) {
		t.Setenv("ENRICHWATCH_RETRY_INTERVAL", "7m")

		cfg, err := Load([]string{"-retry-interval", "90s", "job-1", "job-2"})
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, cfg.RetryInterval)
		assert.Equal(t, "debug", cfg.LogLevel, "unset flags keep lower layers")
		assert.Equal(t, []string{"from-file", "job-1", "job-2"}, cfg.WatchJobs)
	})
}

func TestLoad_ExplicitConfig(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`api_base_url = "https://custom.example.com"`), 0644))

	cfg, err := Load([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, "https://custom.example.com", cfg.APIBaseURL)

	_, err = Load([]string{"-config", filepath.Join(dir, "missing.toml")})
	assert.Error(t, err, "an explicit config file must exist")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "bad env int", env: map[string]string{"ENRICHWATCH_FAILED_PAGE_SIZE": "many"}},
		{name: "bad env duration", env: map[string]string{"ENRICHWATCH_RETRY_INTERVAL": "soon"}},
		{name: "bad env bool", env: map[string]string{"ENRICHWATCH_TRACING": "maybe"}},
		{name: "unknown storage", args: []string{"-storage", "s3"}},
		{name: "unknown log format", args: []string{"-log-format", "xml"}},
		{name: "zero interval", args: []string{"-job-poll-interval", "0s"}},
		{name: "zero watch limit", args: []string{"-max-watched", "0"}},
		{name: "bad env not-found limit", env: map[string]string{"ENRICHWATCH_NOT_FOUND_LIMIT": "never"}},
		{name: "unknown flag", args: []string{"-nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv("ENRICHWATCH_API_BASE_URL", "https://api.example.com")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	cfg.LogLevel = "loud"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}

func TestLoad_Hooks(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `
api_base_url = "https://api.example.com"

[[hooks]]
name = "notify"
status = "^failed$"
command = "notify-send"
args = ["job {id} failed"]
timeout = "10s"
`)

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Len(t, cfg.Hooks, 1)
	assert.Equal(t, "notify", cfg.Hooks[0].Name)
	assert.Equal(t, "^failed$", cfg.Hooks[0].Status)
	assert.Equal(t, []string{"job {id} failed"}, cfg.Hooks[0].Args)
	assert.Equal(t, 10*time.Second, cfg.Hooks[0].Timeout)
}

func TestLoad_HookWithoutCommand(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `
api_base_url = "https://api.example.com"

[[hooks]]
name = "broken"
`)

	_, err := Load(nil)
	assert.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "scripts"), ExpandPath("~/scripts"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, "/abs/path", ExpandPath("/abs/path"))
	assert.Equal(t, "~user/x", ExpandPath("~user/x"))
}
