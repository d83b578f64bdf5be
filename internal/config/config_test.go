package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should be written")

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce())
	assert.Equal(t, "plyr-queue", cfg.ChannelName())
}

func TestLoadConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Sync.ConflictPolicy = "server"
	cfg.Sync.ChannelPrefix = "staging"
	cfg.Notify.Driver = "redis"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "server", loaded.Sync.ConflictPolicy)
	assert.Equal(t, "staging-queue", loaded.ChannelName())
	assert.Equal(t, "redis", loaded.Notify.Driver)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, DefaultConfig().SaveToFile(path))

	t.Setenv("PLYR_PORT", "9999")
	t.Setenv("PLYR_DEBOUNCE_MS", "400")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 400*time.Millisecond, cfg.Debounce())

	t.Setenv("PLYR_DEBOUNCE_MS", "soon")
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"memory driver", func(c *Config) { c.Database.Driver = "memory" }, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, true},
		{"postgres notifier without url", func(c *Config) { c.Notify.Driver = "postgres" }, true},
		{"bad policy", func(c *Config) { c.Sync.ConflictPolicy = "merge" }, true},
		{"retry cap below base", func(c *Config) { c.Sync.RetryCapMillis = 100 }, true},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, true},
		{"rate without burst", func(c *Config) { c.Server.WriteBurst = 0 }, true},
		{"rate disabled", func(c *Config) { c.Server.WriteRate = 0; c.Server.WriteBurst = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")), "a missing file is not an error")

	valid := filepath.Join(dir, "valid.env")
	require.NoError(t, os.WriteFile(valid, []byte("PLYR_DOTENV_TEST=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("PLYR_DOTENV_TEST") })
	require.NoError(t, loadDotEnv(valid))
	assert.Equal(t, "loaded", os.Getenv("PLYR_DOTENV_TEST"))

	unreadable := filepath.Join(dir, "dir.env")
	require.NoError(t, os.Mkdir(unreadable, 0o755))
	assert.Error(t, loadDotEnv(unreadable), "read failures are reported")
}
