package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/driftlab/driftsync/internal/logger"
)

// Config represents the complete configuration for the driftsync client
type Config struct {
	// Database configuration
	Database DatabaseConfig `toml:"database"`

	// Sync configuration
	Sync SyncConfig `toml:"sync"`

	// Queue configuration
	Queue QueueConfig `toml:"queue"`

	// Network monitor configuration
	Network NetworkConfig `toml:"network"`

	// Daemon configuration
	Daemon DaemonConfig `toml:"daemon"`

	// Logging configuration
	Log logger.Config `toml:"log"`

	// Sentry configuration
	Sentry SentryConfig `toml:"sentry"`

	// Output configuration
	Output OutputConfig `toml:"output"`

	// Directory paths (computed, not stored in TOML)
	DataDir   string `toml:"-"`
	ConfigDir string `toml:"-"`
}

// DatabaseConfig contains local store settings
type DatabaseConfig struct {
	// Path to the SQLite database file
	Path string `toml:"path"`

	// Connection pool settings
	MaxOpenConns int `toml:"max_open_conns"`
	MaxIdleConns int `toml:"max_idle_conns"`

	// WAL mode settings
	WALMode bool `toml:"wal_mode"`

	// Synchronous mode (NORMAL, FULL)
	SyncMode string `toml:"sync_mode"`
}

// SyncConfig contains synchronization settings
type SyncConfig struct {
	// Sync server URL
	ServerURL string `toml:"server_url"`

	// API token for the remote store
	Token string `toml:"token"`

	// Auto-sync interval in seconds
	SyncInterval int `toml:"sync_interval"`

	// Push batch size and timeout
	BatchSize int `toml:"batch_size"`
	Timeout   int `toml:"timeout_seconds"`

	// Start auto-sync on startup
	AutoSync bool `toml:"auto_sync"`

	// Default conflict strategy: "local-wins", "cloud-wins", "latest-wins" or "manual"
	ConflictStrategy string `toml:"conflict_strategy"`

	// Entity types excluded from sync
	ExcludeEntityTypes []string `toml:"exclude_entity_types"`
}

// QueueConfig contains durable operation queue settings
type QueueConfig struct {
	// Default retry budget per operation
	MaxRetries int `toml:"max_retries"`

	// Maximum operations returned by one dequeue batch
	DequeueBatchSize int `toml:"dequeue_batch_size"`
}

// NetworkConfig contains network monitor settings
type NetworkConfig struct {
	// Probe interval in seconds
	ProbeInterval int `toml:"probe_interval"`

	// Round-trip time above which the link is classified slow (milliseconds)
	SlowRTTThresholdMS int `toml:"slow_rtt_threshold_ms"`

	// Downlink estimate below which the link is classified slow (Mb/s)
	SlowDownlinkMbps float64 `toml:"slow_downlink_mbps"`

	// Probe timeout in seconds
	ProbeTimeout int `toml:"probe_timeout_seconds"`
}

// DaemonConfig contains daemon-related settings
type DaemonConfig struct {
	// Retry interval on failed sync rounds
	RetryInterval time.Duration `toml:"retry_interval"`

	// Maximum retries before giving up on a round
	MaxRetries int `toml:"max_retries"`

	// PID file path
	PIDFile string `toml:"pid_file"`

	// Log file path
	LogFile string `toml:"log_file"`
}

// SentryConfig contains Sentry error monitoring settings
type SentryConfig struct {
	// Enable Sentry error monitoring
	Enabled bool `toml:"enabled"`

	// Sentry DSN for error reporting
	DSN string `toml:"dsn"`

	// Environment name (development, staging, production)
	Environment string `toml:"environment"`

	// Sample rate for error reporting (0.0 to 1.0)
	SampleRate float64 `toml:"sample_rate"`

	// Release version for error grouping
	Release string `toml:"release"`

	// Debug mode for Sentry SDK
	Debug bool `toml:"debug"`
}

// OutputConfig contains CLI output formatting settings
type OutputConfig struct {
	// Enable colored output
	ColorsEnabled bool `toml:"colors_enabled"`

	// Automatically disable colors when not in a TTY
	AutoDetectTTY bool `toml:"auto_detect_tty"`

	// Verbosity level: "minimal", "normal", "verbose"
	Verbosity string `toml:"verbosity"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".config", "driftsync")
	dataDir := filepath.Join(homeDir, ".local", "share", "driftsync")

	return &Config{
		Database: DatabaseConfig{
			Path:         filepath.Join(dataDir, "driftsync.db"),
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			WALMode:      true,
			SyncMode:     "NORMAL",
		},
		Sync: SyncConfig{
			ServerURL:          "",
			Token:              "",
			SyncInterval:       300, // 5 minutes
			BatchSize:          100,
			Timeout:            30, // 30 seconds
			AutoSync:           false,
			ConflictStrategy:   "manual",
			ExcludeEntityTypes: nil,
		},
		Queue: QueueConfig{
			MaxRetries:       3,
			DequeueBatchSize: 100,
		},
		Network: NetworkConfig{
			ProbeInterval:      30,
			SlowRTTThresholdMS: 1000,
			SlowDownlinkMbps:   0.5,
			ProbeTimeout:       5,
		},
		Daemon: DaemonConfig{
			RetryInterval: 30 * time.Second,
			MaxRetries:    3,
			PIDFile:       filepath.Join(dataDir, "daemon.pid"),
			LogFile:       filepath.Join(dataDir, "daemon.log"),
		},
		Log: *logger.DefaultConfig(),
		Sentry: SentryConfig{
			Enabled:     false,
			DSN:         "",
			Environment: "development",
			SampleRate:  1.0,
			Debug:       false,
			Release:     "",
		},
		Output: OutputConfig{
			ColorsEnabled: true,
			AutoDetectTTY: true,
			Verbosity:     "minimal",
		},
		DataDir:   dataDir,
		ConfigDir: configDir,
	}
}

// Load loads configuration from the specified file path
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	// If no config path specified, try default location
	if configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return config, nil // Return defaults if can't determine home dir
		}
		configPath = filepath.Join(homeDir, ".config", "driftsync", "config.toml")
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config, nil
	}

	// Load and parse the TOML file
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := config.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return config, nil
}

// Save saves the configuration to the specified file path
func (c *Config) Save(configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config as TOML: %w", err)
	}

	return nil
}

// Validate validates the configuration values
func (c *Config) Validate() error {
	if c.Sync.SyncInterval < 0 {
		return fmt.Errorf("sync.sync_interval must be non-negative")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout_seconds must be positive")
	}
	switch c.Sync.ConflictStrategy {
	case "local-wins", "cloud-wins", "latest-wins", "manual":
	default:
		return fmt.Errorf("sync.conflict_strategy must be one of: local-wins, cloud-wins, latest-wins, manual")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be non-negative")
	}
	if c.Queue.DequeueBatchSize <= 0 {
		return fmt.Errorf("queue.dequeue_batch_size must be positive")
	}

	if c.Network.ProbeInterval <= 0 {
		return fmt.Errorf("network.probe_interval must be positive")
	}
	if c.Network.SlowRTTThresholdMS <= 0 {
		return fmt.Errorf("network.slow_rtt_threshold_ms must be positive")
	}
	if c.Network.SlowDownlinkMbps <= 0 {
		return fmt.Errorf("network.slow_downlink_mbps must be positive")
	}
	if c.Network.ProbeTimeout <= 0 {
		return fmt.Errorf("network.probe_timeout_seconds must be positive")
	}

	if c.Daemon.MaxRetries < 0 {
		return fmt.Errorf("daemon.max_retries must be non-negative")
	}

	validVerbosity := map[string]bool{"minimal": true, "normal": true, "verbose": true}
	if !validVerbosity[c.Output.Verbosity] {
		return fmt.Errorf("output.verbosity must be one of: minimal, normal, verbose")
	}

	return nil
}

// EnsureDirectories creates necessary directories for the configuration
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Database.Path),
		filepath.Dir(c.Daemon.PIDFile),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// GetSyncInterval returns the auto-sync interval as a time.Duration
func (c *Config) GetSyncInterval() time.Duration {
	return time.Duration(c.Sync.SyncInterval) * time.Second
}

// GetSyncTimeout returns the push/pull timeout as a time.Duration
func (c *Config) GetSyncTimeout() time.Duration {
	return time.Duration(c.Sync.Timeout) * time.Second
}

// GetProbeInterval returns the network probe interval as a time.Duration
func (c *Config) GetProbeInterval() time.Duration {
	return time.Duration(c.Network.ProbeInterval) * time.Second
}

// GetProbeTimeout returns the network probe timeout as a time.Duration
func (c *Config) GetProbeTimeout() time.Duration {
	return time.Duration(c.Network.ProbeTimeout) * time.Second
}

// GetSlowRTTThreshold returns the slow-link RTT threshold as a time.Duration
func (c *Config) GetSlowRTTThreshold() time.Duration {
	return time.Duration(c.Network.SlowRTTThresholdMS) * time.Millisecond
}

// GetDaemonRetryInterval returns the daemon retry backoff base interval
func (c *Config) GetDaemonRetryInterval() time.Duration {
	return c.Daemon.RetryInterval
}
