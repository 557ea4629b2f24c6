package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 300, cfg.Sync.SyncInterval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, "manual", cfg.Sync.ConflictStrategy)
	assert.False(t, cfg.Sync.AutoSync)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 1000, cfg.Network.SlowRTTThresholdMS)
	assert.Equal(t, 0.5, cfg.Network.SlowDownlinkMbps)
	assert.False(t, cfg.Sentry.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"negative sync interval", func(c *Config) { c.Sync.SyncInterval = -1 }, "sync.sync_interval"},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }, "sync.batch_size"},
		{"zero timeout", func(c *Config) { c.Sync.Timeout = 0 }, "sync.timeout_seconds"},
		{"unknown strategy", func(c *Config) { c.Sync.ConflictStrategy = "newest" }, "sync.conflict_strategy"},
		{"negative max retries", func(c *Config) { c.Queue.MaxRetries = -1 }, "queue.max_retries"},
		{"zero dequeue batch", func(c *Config) { c.Queue.DequeueBatchSize = 0 }, "queue.dequeue_batch_size"},
		{"zero probe interval", func(c *Config) { c.Network.ProbeInterval = 0 }, "network.probe_interval"},
		{"zero rtt threshold", func(c *Config) { c.Network.SlowRTTThresholdMS = 0 }, "network.slow_rtt_threshold_ms"},
		{"bad verbosity", func(c *Config) { c.Output.Verbosity = "loud" }, "output.verbosity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateAcceptsAllStrategies(t *testing.T) {
	for _, s := range []string{"local-wins", "cloud-wins", "latest-wins", "manual"} {
		cfg := DefaultConfig()
		cfg.Sync.ConflictStrategy = s
		assert.NoError(t, cfg.Validate(), "strategy %q", s)
	}
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.Sync.ServerURL = "https://sync.example.com"
	cfg.Sync.Token = "tok-123"
	cfg.Sync.ConflictStrategy = "latest-wins"
	cfg.Sync.ExcludeEntityTypes = []string{"draft", "cache"}
	cfg.Queue.MaxRetries = 7
	cfg.Database.Path = filepath.Join(dir, "data", "driftsync.db")
	cfg.Daemon.PIDFile = filepath.Join(dir, "data", "daemon.pid")
	cfg.Daemon.RetryInterval = 45 * time.Second

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com", loaded.Sync.ServerURL)
	assert.Equal(t, "tok-123", loaded.Sync.Token)
	assert.Equal(t, "latest-wins", loaded.Sync.ConflictStrategy)
	assert.Equal(t, []string{"draft", "cache"}, loaded.Sync.ExcludeEntityTypes)
	assert.Equal(t, 7, loaded.Queue.MaxRetries)
	assert.Equal(t, 45*time.Second, loaded.Daemon.RetryInterval)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "manual", cfg.Sync.ConflictStrategy)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nbatch_size = -5\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("sync = [broken"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nserver_url = \"https://s.example.com\"\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://s.example.com", cfg.Sync.ServerURL)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 300*time.Second, cfg.GetSyncInterval())
	assert.Equal(t, 30*time.Second, cfg.GetSyncTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetProbeInterval())
	assert.Equal(t, 5*time.Second, cfg.GetProbeTimeout())
	assert.Equal(t, time.Second, cfg.GetSlowRTTThreshold())
	assert.Equal(t, 30*time.Second, cfg.GetDaemonRetryInterval())
}
