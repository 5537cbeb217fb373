package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"backupchan/internal/database"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, database.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "./backupchan.db", cfg.Database.Path)
	assert.Equal(t, "./Recycle-bin", cfg.RecycleBinPath)
	assert.Equal(t, "/tmp/backupchan", cfg.TempSavePath)
	assert.Equal(t, time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, time.Minute, cfg.Scheduler.RetentionInterval)
	assert.Equal(t, "normal", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *ServerConfig)
		wantErr bool
	}{
		{"defaults", func(c *ServerConfig) {}, false},
		{"bad log level", func(c *ServerConfig) { c.Log.Level = "chatty" }, true},
		{"bad log format", func(c *ServerConfig) { c.Log.Format = "xml" }, true},
		{"empty recycle bin", func(c *ServerConfig) { c.RecycleBinPath = "" }, true},
		{"negative interval", func(c *ServerConfig) { c.Scheduler.RetentionInterval = -time.Second }, true},
		{"bad metrics addr", func(c *ServerConfig) { c.Metrics.Addr = "not an address" }, true},
		{"metrics addr with host", func(c *ServerConfig) { c.Metrics.Addr = "localhost:9100" }, false},
		{"unknown driver", func(c *ServerConfig) { c.Database.Driver = "postgres" }, true},
		{"mysql without host", func(c *ServerConfig) {
			c.Database.Driver = database.DriverMySQL
			c.Database.Port = 3306
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	content := `
database:
  driver: mysql
  host: db.internal
  username: backupchan
  database: backupchan
recycle_bin_path: /srv/recycle
scheduler:
  retention_interval: 5m
log:
  level: verbose
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, database.DriverMySQL, cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, "/srv/recycle", cfg.RecycleBinPath)
	assert.Equal(t, "/tmp/backupchan", cfg.TempSavePath)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RetentionInterval)
	assert.Equal(t, time.Hour, cfg.Scheduler.DeduplicateInterval)
	assert.Equal(t, "verbose", cfg.Log.Level)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("BACKUPCHAN_TEMP_SAVE_PATH", "/var/tmp/bc")
	t.Setenv("BACKUPCHAN_LOG_LEVEL", "debug")
	t.Setenv("BACKUPCHAN_SCHEDULER_TICK", "2s")

	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: quiet\n"), 0644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/bc", cfg.TempSavePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Tick)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0644))

	_, err := Load(viper.New(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "backupchan.yaml")
	cfg := DefaultConfig()
	cfg.Scheduler.DeduplicateInterval = 90 * time.Minute
	cfg.Metrics.Enabled = true

	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSave_Invalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "nope"
	assert.Error(t, Save(cfg, filepath.Join(t.TempDir(), "c.yaml")))
}
