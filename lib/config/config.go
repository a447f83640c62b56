// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for daily-driver installs.
	Production Environment = "production"
)

// Duration wraps time.Duration with YAML unmarshalling from strings
// like "300ms" or "24h".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for the vidurai daemon.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Storage configures the two-tier archiver.
	Storage StorageConfig `yaml:"storage"`

	// Stabilizer configures the event stabilization pipeline.
	Stabilizer StabilizerConfig `yaml:"stabilizer"`

	// IPC configures the local socket transport.
	IPC IPCConfig `yaml:"ipc"`

	// EnvironmentOverrides contains per-environment overrides, applied
	// after the base config is loaded.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Storage    *StorageOverrides    `yaml:"storage,omitempty"`
	Stabilizer *StabilizerOverrides `yaml:"stabilizer,omitempty"`
	IPC        *IPCConfig           `yaml:"ipc,omitempty"`
}

// StorageOverrides mirrors StorageConfig for environment sections.
// Booleans are pointers so a section can set them to false; nil
// inherits the base value, as the zero value does for other fields.
type StorageOverrides struct {
	BaseDir                string   `yaml:"base_dir,omitempty"`
	HotMaxSize             int64    `yaml:"hot_max_size,omitempty"`
	HotMaxAge              Duration `yaml:"hot_max_age,omitempty"`
	HotRetentionDays       int      `yaml:"hot_retention_days,omitempty"`
	ColdRetentionDays      int      `yaml:"cold_retention_days,omitempty"`
	SweepInterval          Duration `yaml:"sweep_interval,omitempty"`
	CleanupSchedule        string   `yaml:"cleanup_schedule,omitempty"`
	ArchivalEnabled        *bool    `yaml:"archival_enabled,omitempty"`
	AllowUnarchivedCleanup *bool    `yaml:"allow_unarchived_cleanup,omitempty"`
	Compression            string   `yaml:"compression,omitempty"`
}

// StabilizerOverrides mirrors StabilizerConfig for environment
// sections, with the same nil-inherits rule for EnableBatching.
type StabilizerOverrides struct {
	DebounceDelay      Duration `yaml:"debounce_delay,omitempty"`
	DedupWindow        Duration `yaml:"dedup_window,omitempty"`
	MaxEventsPerSecond int      `yaml:"max_events_per_second,omitempty"`
	EnableBatching     *bool    `yaml:"enable_batching,omitempty"`
	BatchWindow        Duration `yaml:"batch_window,omitempty"`
	MaxBatchSize       int      `yaml:"max_batch_size,omitempty"`
	IgnorePatterns     []string `yaml:"ignore_patterns,omitempty"`
}

// StorageConfig configures the archiver's hot and cold tiers.
type StorageConfig struct {
	// BaseDir is the root of the storage tree. The archiver creates
	// hot/ and cold/ beneath it.
	BaseDir string `yaml:"base_dir"`

	// HotMaxSize is the rotation threshold for the open hot file in
	// bytes. An append that would exceed it closes the file and opens
	// a new one first.
	HotMaxSize int64 `yaml:"hot_max_size"`

	// HotMaxAge is how old a closed hot file must be before the
	// archival sweep converts it into a cold partition.
	HotMaxAge Duration `yaml:"hot_max_age"`

	// HotRetentionDays is how many days closed-and-archived hot files
	// are kept before retention cleanup removes them.
	HotRetentionDays int `yaml:"hot_retention_days"`

	// ColdRetentionDays is how many days cold partitions are kept.
	ColdRetentionDays int `yaml:"cold_retention_days"`

	// SweepInterval is how often the archival sweep runs.
	SweepInterval Duration `yaml:"sweep_interval"`

	// CleanupSchedule is a 5-field cron expression (UTC) for retention
	// cleanup. Decoupled from SweepInterval so cleanup can run on
	// wall-clock boundaries.
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// ArchivalEnabled turns cold-tier compaction on. When false the
	// daemon runs hot-tier-only and ArchiveHotFiles is a no-op.
	ArchivalEnabled bool `yaml:"archival_enabled"`

	// AllowUnarchivedCleanup permits retention cleanup to delete
	// closed hot files whose contents were never archived. This is a
	// deliberate data-loss switch; the default keeps un-archived data
	// forever when archival is degraded.
	AllowUnarchivedCleanup bool `yaml:"allow_unarchived_cleanup"`

	// Compression selects the cold partition chunk compression:
	// "none", "lz4", or "zstd".
	Compression string `yaml:"compression"`
}

// StabilizerConfig configures debounce, dedup, rate limiting, and
// batching.
type StabilizerConfig struct {
	// DebounceDelay is the per-key quiet period before a debounced
	// event is emitted.
	DebounceDelay Duration `yaml:"debounce_delay"`

	// DedupWindow is how long after an emission a structurally
	// identical event for the same key is dropped.
	DedupWindow Duration `yaml:"dedup_window"`

	// MaxEventsPerSecond caps accepted events per rolling second.
	MaxEventsPerSecond int `yaml:"max_events_per_second"`

	// EnableBatching switches the stabilizer into batch emission mode.
	EnableBatching bool `yaml:"enable_batching"`

	// BatchWindow is the maximum time a batch accumulates before
	// release.
	BatchWindow Duration `yaml:"batch_window"`

	// MaxBatchSize releases a batch early once it holds this many
	// events.
	MaxBatchSize int `yaml:"max_batch_size"`

	// IgnorePatterns are additional glob patterns for the path filter,
	// on top of the built-in noise set.
	IgnorePatterns []string `yaml:"ignore_patterns"`
}

// IPCConfig configures the local socket transport.
type IPCConfig struct {
	// SocketPath is the Unix socket path. Empty means the per-user
	// default (vidurai-<user>.sock in the system temp directory).
	SocketPath string `yaml:"socket_path"`

	// HeartbeatInterval is how often unsolicited heartbeat messages
	// are broadcast to connected clients.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// Default returns the default configuration. These defaults make the
// daemon usable with no config file at all.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment: Development,
		Storage: StorageConfig{
			BaseDir:           filepath.Join(homeDir, ".vidurai", "events"),
			HotMaxSize:        10 * 1024 * 1024,
			HotMaxAge:         Duration(24 * time.Hour),
			HotRetentionDays:  7,
			ColdRetentionDays: 90,
			SweepInterval:     Duration(5 * time.Minute),
			CleanupSchedule:   "0 * * * *",
			ArchivalEnabled:   true,
			Compression:       "zstd",
		},
		Stabilizer: StabilizerConfig{
			DebounceDelay:      Duration(300 * time.Millisecond),
			DedupWindow:        Duration(2 * time.Second),
			MaxEventsPerSecond: 100,
			EnableBatching:     false,
			BatchWindow:        Duration(1 * time.Second),
			MaxBatchSize:       50,
		},
		IPC: IPCConfig{
			SocketPath:        DefaultSocketPath(),
			HeartbeatInterval: Duration(30 * time.Second),
		},
	}
}

// DefaultSocketPath returns the per-user socket path:
// <tmp>/vidurai-<user>.sock.
func DefaultSocketPath() string {
	username := "default"
	if current, err := user.Current(); err == nil && current.Username != "" {
		username = current.Username
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("vidurai-%s.sock", username))
}

// Load loads configuration from the VIDURAI_CONFIG environment
// variable. Fails if the variable is not set — callers that tolerate a
// missing file should use Default directly.
func Load() (*Config, error) {
	configPath := os.Getenv("VIDURAI_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("VIDURAI_CONFIG environment variable not set; " +
			"set it to the path of your vidurai.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot
// operate with.
func (c *Config) Validate() error {
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir must not be empty")
	}
	if c.Storage.HotMaxSize <= 0 {
		return fmt.Errorf("storage.hot_max_size must be positive, got %d", c.Storage.HotMaxSize)
	}
	if c.Storage.HotRetentionDays < 0 || c.Storage.ColdRetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	if c.Stabilizer.MaxEventsPerSecond <= 0 {
		return fmt.Errorf("stabilizer.max_events_per_second must be positive, got %d", c.Stabilizer.MaxEventsPerSecond)
	}
	if c.Stabilizer.EnableBatching && c.Stabilizer.MaxBatchSize <= 0 {
		return fmt.Errorf("stabilizer.max_batch_size must be positive in batching mode")
	}
	switch c.Storage.Compression {
	case "none", "lz4", "zstd":
	default:
		return fmt.Errorf("storage.compression must be none, lz4, or zstd, got %q", c.Storage.Compression)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific section.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Storage != nil {
		applyStorage(&c.Storage, overrides.Storage)
	}
	if overrides.Stabilizer != nil {
		applyStabilizer(&c.Stabilizer, overrides.Stabilizer)
	}
	if overrides.IPC != nil {
		if overrides.IPC.SocketPath != "" {
			c.IPC.SocketPath = overrides.IPC.SocketPath
		}
		if overrides.IPC.HeartbeatInterval != 0 {
			c.IPC.HeartbeatInterval = overrides.IPC.HeartbeatInterval
		}
	}
}

func applyStorage(base *StorageConfig, overrides *StorageOverrides) {
	if overrides.BaseDir != "" {
		base.BaseDir = overrides.BaseDir
	}
	if overrides.HotMaxSize != 0 {
		base.HotMaxSize = overrides.HotMaxSize
	}
	if overrides.HotMaxAge != 0 {
		base.HotMaxAge = overrides.HotMaxAge
	}
	if overrides.HotRetentionDays != 0 {
		base.HotRetentionDays = overrides.HotRetentionDays
	}
	if overrides.ColdRetentionDays != 0 {
		base.ColdRetentionDays = overrides.ColdRetentionDays
	}
	if overrides.SweepInterval != 0 {
		base.SweepInterval = overrides.SweepInterval
	}
	if overrides.CleanupSchedule != "" {
		base.CleanupSchedule = overrides.CleanupSchedule
	}
	if overrides.ArchivalEnabled != nil {
		base.ArchivalEnabled = *overrides.ArchivalEnabled
	}
	if overrides.AllowUnarchivedCleanup != nil {
		base.AllowUnarchivedCleanup = *overrides.AllowUnarchivedCleanup
	}
	if overrides.Compression != "" {
		base.Compression = overrides.Compression
	}
}

func applyStabilizer(base *StabilizerConfig, overrides *StabilizerOverrides) {
	if overrides.DebounceDelay != 0 {
		base.DebounceDelay = overrides.DebounceDelay
	}
	if overrides.DedupWindow != 0 {
		base.DedupWindow = overrides.DedupWindow
	}
	if overrides.MaxEventsPerSecond != 0 {
		base.MaxEventsPerSecond = overrides.MaxEventsPerSecond
	}
	if overrides.EnableBatching != nil {
		base.EnableBatching = *overrides.EnableBatching
	}
	if overrides.BatchWindow != 0 {
		base.BatchWindow = overrides.BatchWindow
	}
	if overrides.MaxBatchSize != 0 {
		base.MaxBatchSize = overrides.MaxBatchSize
	}
	if len(overrides.IgnorePatterns) > 0 {
		base.IgnorePatterns = append(base.IgnorePatterns, overrides.IgnorePatterns...)
	}
}
