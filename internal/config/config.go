// Package config provides configuration loading and management for the sync orchestrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-mlsync/internal/telemetry"
)

const (
	// AppName names the data directory and the keyring service
	AppName = "thv-mlsync"

	// EnvPrefix prefixes the environment variables read by the command line
	EnvPrefix = "THV_MLSYNC"

	// WorkerModeProcess runs each worker as a child process
	WorkerModeProcess = "process"

	// WorkerModeInProcess hosts each worker inside the orchestrator
	WorkerModeInProcess = "inprocess"
)

// Defaults applied to unset fields
const (
	DefaultSyncInterval              = 30 * time.Second
	DefaultSyncMaxInterval           = 960 * time.Second
	DefaultBackoffMultiplier         = 2.0
	DefaultLiveSyncIdleDebounce      = 30 * time.Second
	DefaultLocalFilesUpdatedDebounce = 30 * time.Second
	DefaultBatchSize                 = 200
	DefaultTerminateGrace            = 5 * time.Second
	DefaultAPIAddress                = "127.0.0.1:8765"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// EvalSymlinks also cleans the path
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// DataDir holds the bookkeeping database, the artifact cache and the lock file.
	// Defaults to $XDG_DATA_HOME/thv-mlsync.
	DataDir string `yaml:"dataDir,omitempty"`

	Library    *LibraryConfig    `yaml:"library,omitempty"`
	SyncJob    *SyncJobPolicy    `yaml:"syncJob,omitempty"`
	LiveSync   *LiveSyncConfig   `yaml:"liveSync,omitempty"`
	LocalFiles *LocalFilesConfig `yaml:"localFiles,omitempty"`
	Worker     *WorkerConfig     `yaml:"worker,omitempty"`
	API        *APIConfig        `yaml:"api,omitempty"`
	Auth       *AuthConfig       `yaml:"auth,omitempty"`
	Telemetry  *telemetry.Config `yaml:"telemetry,omitempty"`
}

// LibraryConfig points at the local media library
type LibraryConfig struct {
	// Root defaults to the user's pictures directory
	Root string `yaml:"root,omitempty"`

	// Watch publishes a local-files-updated event whenever the library changes
	Watch bool `yaml:"watch,omitempty"`
}

// SyncJobPolicy is the YAML form of SyncJobConfig. Durations are strings such as "30s".
type SyncJobPolicy struct {
	Interval          string  `yaml:"interval,omitempty"`
	MaxInterval       string  `yaml:"maxInterval,omitempty"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier,omitempty"`
}

// SyncJobConfig is the timing policy of the bulk sync job
type SyncJobConfig struct {
	Interval          time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
}

// LiveSyncConfig controls live sync of freshly uploaded files
type LiveSyncConfig struct {
	// IdleDebounce is how long the live-sync queue must stay empty before its
	// worker is released and the bulk job restarted
	IdleDebounce string `yaml:"idleDebounce,omitempty"`
}

// LocalFilesConfig controls reaction to library changes
type LocalFilesConfig struct {
	// UpdatedDebounce collapses bursts of library changes into one job restart
	UpdatedDebounce string `yaml:"updatedDebounce,omitempty"`
}

// WorkerConfig controls how workers are created
type WorkerConfig struct {
	// Mode is "process" (default) or "inprocess"
	Mode string `yaml:"mode,omitempty"`

	// Executable is the binary started in process mode. Defaults to the running binary.
	Executable string `yaml:"executable,omitempty"`

	// BatchSize caps how many files one bulk pass extracts
	BatchSize int `yaml:"batchSize,omitempty"`

	// TerminateGrace is how long a worker process gets to exit before it is killed
	TerminateGrace string `yaml:"terminateGrace,omitempty"`
}

// APIConfig configures the local control API
type APIConfig struct {
	Address string `yaml:"address,omitempty"`
}

// AuthConfig configures session token storage
type AuthConfig struct {
	// KeyringService defaults to "thv-mlsync"
	KeyringService string `yaml:"keyringService,omitempty"`
}

// LoadConfig loads and validates the configuration.
// Without WithConfigPath the defaults are returned.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	var config Config
	if loaderCfg.path != "" {
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetDataDir returns the data directory, defaulting under XDG_DATA_HOME
func (c *Config) GetDataDir() string {
	if c.DataDir == "" {
		return filepath.Join(xdg.DataHome, AppName)
	}
	return c.DataDir
}

// DatabasePath is the location of the bookkeeping database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.GetDataDir(), "mlsync.db")
}

// CacheDir is the root of the derived-artifact cache
func (c *Config) CacheDir() string {
	return filepath.Join(c.GetDataDir(), "cache")
}

// LockPath is the file locked while an orchestrator owns the data directory
func (c *Config) LockPath() string {
	return filepath.Join(c.GetDataDir(), AppName+".lock")
}

// GetLibraryRoot returns the library root, defaulting to the user's pictures directory
func (c *Config) GetLibraryRoot() string {
	if c.Library == nil || c.Library.Root == "" {
		return xdg.UserDirs.Pictures
	}
	return c.Library.Root
}

// WatchLibrary reports whether the library watcher should run
func (c *Config) WatchLibrary() bool {
	return c.Library != nil && c.Library.Watch
}

// GetSyncJobConfig returns the parsed job timing policy
func (c *Config) GetSyncJobConfig() SyncJobConfig {
	cfg := SyncJobConfig{
		Interval:          DefaultSyncInterval,
		MaxInterval:       DefaultSyncMaxInterval,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
	if c.SyncJob == nil {
		return cfg
	}

	cfg.Interval = durationOr(c.SyncJob.Interval, cfg.Interval)
	cfg.MaxInterval = durationOr(c.SyncJob.MaxInterval, cfg.MaxInterval)
	if c.SyncJob.BackoffMultiplier != 0 {
		cfg.BackoffMultiplier = c.SyncJob.BackoffMultiplier
	}
	return cfg
}

// GetLiveSyncIdleDebounce returns the quiet period of the live-sync idle action
func (c *Config) GetLiveSyncIdleDebounce() time.Duration {
	if c.LiveSync == nil {
		return DefaultLiveSyncIdleDebounce
	}
	return durationOr(c.LiveSync.IdleDebounce, DefaultLiveSyncIdleDebounce)
}

// GetLocalFilesUpdatedDebounce returns the quiet period of the library-change restart
func (c *Config) GetLocalFilesUpdatedDebounce() time.Duration {
	if c.LocalFiles == nil {
		return DefaultLocalFilesUpdatedDebounce
	}
	return durationOr(c.LocalFiles.UpdatedDebounce, DefaultLocalFilesUpdatedDebounce)
}

// GetWorkerMode returns the worker mode, "process" unless configured otherwise
func (c *Config) GetWorkerMode() string {
	if c.Worker == nil || c.Worker.Mode == "" {
		return WorkerModeProcess
	}
	return c.Worker.Mode
}

// GetWorkerExecutable returns the configured worker binary, or "" for the running binary
func (c *Config) GetWorkerExecutable() string {
	if c.Worker == nil {
		return ""
	}
	return c.Worker.Executable
}

// GetBatchSize returns the per-pass extraction cap
func (c *Config) GetBatchSize() int {
	if c.Worker == nil || c.Worker.BatchSize == 0 {
		return DefaultBatchSize
	}
	return c.Worker.BatchSize
}

// GetTerminateGrace returns the worker shutdown grace period
func (c *Config) GetTerminateGrace() time.Duration {
	if c.Worker == nil {
		return DefaultTerminateGrace
	}
	return durationOr(c.Worker.TerminateGrace, DefaultTerminateGrace)
}

// GetAPIAddress returns the control API listen address
func (c *Config) GetAPIAddress() string {
	if c.API == nil || c.API.Address == "" {
		return DefaultAPIAddress
	}
	return c.API.Address
}

// GetKeyringService returns the keyring service the session token is stored under
func (c *Config) GetKeyringService() string {
	if c.Auth == nil || c.Auth.KeyringService == "" {
		return AppName
	}
	return c.Auth.KeyringService
}

// durationOr parses s, falling back to def when s is empty.
// Values reaching here were checked by validate.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error

	if c.SyncJob != nil {
		if err := c.SyncJob.validate(); err != nil {
			errs = append(errs, fmt.Errorf("syncJob: %w", err))
		}
	}

	if c.LiveSync != nil {
		if err := validatePositiveDuration("liveSync.idleDebounce", c.LiveSync.IdleDebounce); err != nil {
			errs = append(errs, err)
		}
	}

	if c.LocalFiles != nil {
		if err := validatePositiveDuration("localFiles.updatedDebounce", c.LocalFiles.UpdatedDebounce); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Worker != nil {
		if err := c.Worker.validate(); err != nil {
			errs = append(errs, fmt.Errorf("worker: %w", err))
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func (p *SyncJobPolicy) validate() error {
	if err := validatePositiveDuration("interval", p.Interval); err != nil {
		return err
	}
	if err := validatePositiveDuration("maxInterval", p.MaxInterval); err != nil {
		return err
	}
	if p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoffMultiplier must be at least 1, got %v", p.BackoffMultiplier)
	}

	interval := durationOr(p.Interval, DefaultSyncInterval)
	maxInterval := durationOr(p.MaxInterval, DefaultSyncMaxInterval)
	if maxInterval < interval {
		return fmt.Errorf("maxInterval (%s) must not be shorter than interval (%s)", maxInterval, interval)
	}

	return nil
}

func (w *WorkerConfig) validate() error {
	switch w.Mode {
	case "", WorkerModeProcess, WorkerModeInProcess:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", WorkerModeProcess, WorkerModeInProcess, w.Mode)
	}

	if w.BatchSize < 0 {
		return fmt.Errorf("batchSize must not be negative, got %d", w.BatchSize)
	}

	return validatePositiveDuration("terminateGrace", w.TerminateGrace)
}

// validatePositiveDuration accepts an empty value, which means "use the default"
func validatePositiveDuration(field, value string) error {
	if value == "" {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '5m'): %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", field, value)
	}

	return nil
}
