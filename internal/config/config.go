// Package config loads Ensemble configuration through viper: defaults,
// a YAML config file under the user's config directory, and ENSEMBLE_*
// environment overrides, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Ensemble configuration
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Session  SessionConfig  `mapstructure:"session"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Roles    RolesConfig    `mapstructure:"roles"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StorageConfig controls where Ensemble keeps session state
type StorageConfig struct {
	// BaseDir is the directory under which the .ensemble storage root is
	// created. Empty means the current working directory.
	// Supports ~ for home directory expansion.
	BaseDir string `mapstructure:"base_dir"`
}

// SessionConfig controls session behavior
type SessionConfig struct {
	// DefaultPlans are the plan types requested when `start` is invoked
	// without --plans (default: ["ui", "logic"])
	DefaultPlans []string `mapstructure:"default_plans"`
	// RefactorByDefault makes a clean review lead into the refactor
	// phase without passing --refactor (default: false)
	RefactorByDefault bool `mapstructure:"refactor_by_default"`
	// MaxAppendRetries bounds how often a conflicting context-log append
	// is retried by re-reading before escalating (default: 3)
	MaxAppendRetries int `mapstructure:"max_append_retries"`
}

// DispatchConfig controls role dispatch behavior
type DispatchConfig struct {
	// TimeoutSeconds bounds a single role invocation; 0 disables the
	// per-invocation timeout (default: 0, model calls can be slow)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// MaxAttempts is the number of invocation attempts per role per
	// phase before the failure becomes session-fatal (default: 2)
	MaxAttempts int `mapstructure:"max_attempts"`
	// RunnerCommand is the external agent command (argv) invoked per
	// role dispatch. Empty means `start` requires --dry-run.
	RunnerCommand []string `mapstructure:"runner_command"`
}

// RolesConfig controls role contract loading
type RolesConfig struct {
	// ContractFile is a YAML file overriding the built-in role
	// contracts. Empty means the embedded defaults.
	// Supports ~ for home directory expansion.
	ContractFile string `mapstructure:"contract_file"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// DispatchTimeout returns the dispatch timeout as a time.Duration (0 means disabled)
func (d *DispatchConfig) DispatchTimeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// ResolveBaseDir returns the resolved storage base directory. An empty
// BaseDir resolves to the current working directory; a leading ~ expands
// to the user's home directory.
func (s *StorageConfig) ResolveBaseDir() string {
	if s.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "."
		}
		return wd
	}
	return expandHome(s.BaseDir)
}

// ResolveContractFile returns the contract file path with ~ expanded, or
// empty if no override is configured.
func (r *RolesConfig) ResolveContractFile() string {
	if r.ContractFile == "" {
		return ""
	}
	return expandHome(r.ContractFile)
}

func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			BaseDir: "", // Empty means the current working directory
		},
		Session: SessionConfig{
			DefaultPlans:      []string{"ui", "logic"},
			RefactorByDefault: false,
			MaxAppendRetries:  3,
		},
		Dispatch: DispatchConfig{
			TimeoutSeconds: 0, // No per-invocation timeout by default
			MaxAttempts:    2, // One attempt plus one retry
			RunnerCommand:  nil,
		},
		Roles: RolesConfig{
			ContractFile: "", // Empty means the embedded defaults
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Storage defaults
	viper.SetDefault("storage.base_dir", defaults.Storage.BaseDir)

	// Session defaults
	viper.SetDefault("session.default_plans", defaults.Session.DefaultPlans)
	viper.SetDefault("session.refactor_by_default", defaults.Session.RefactorByDefault)
	viper.SetDefault("session.max_append_retries", defaults.Session.MaxAppendRetries)

	// Dispatch defaults
	viper.SetDefault("dispatch.timeout_seconds", defaults.Dispatch.TimeoutSeconds)
	viper.SetDefault("dispatch.max_attempts", defaults.Dispatch.MaxAttempts)
	viper.SetDefault("dispatch.runner_command", defaults.Dispatch.RunnerCommand)

	// Roles defaults
	viper.SetDefault("roles.contract_file", defaults.Roles.ContractFile)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ensemble")
	}
	// Fall back to ~/.config/ensemble
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ensemble"
	}
	return filepath.Join(home, ".config", "ensemble")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
