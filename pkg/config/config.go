// Package config handles kopi-docka configuration loading from config.json,
// merged with KOPI_DOCKA_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// RetentionPolicy is the {daily, weekly, monthly, yearly} retention counts applied
// to every unit's three virtual repository paths.
type RetentionPolicy struct {
	Daily   int `mapstructure:"daily"`
	Weekly  int `mapstructure:"weekly"`
	Monthly int `mapstructure:"monthly"`
	Yearly  int `mapstructure:"yearly"`
}

// Sum returns the total snapshot count this policy allows to survive at one path.
func (r RetentionPolicy) Sum() int { return r.Daily + r.Weekly + r.Monthly + r.Yearly }

// CredentialsConfig resolves the repository password, in priority order:
// KOPIA_PASSWORD env > Password > PasswordFile contents (stripped).
type CredentialsConfig struct {
	Password     string `mapstructure:"password"`
	PasswordFile string `mapstructure:"password_file"`
}

// Resolve returns the repository password following the priority order in
// spec.md §4.5: env var, then inline config, then sidecar file.
func (c CredentialsConfig) Resolve() (string, error) {
	if env := os.Getenv("KOPIA_PASSWORD"); env != "" {
		return env, nil
	}
	if c.Password != "" {
		return c.Password, nil
	}
	if c.PasswordFile != "" {
		raw, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("config: read password file: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return "", fmt.Errorf("config: no repository password configured")
}

// HooksConfig names the four lifecycle hook scripts.
type HooksConfig struct {
	PreBackup   string `mapstructure:"pre_backup"`
	PostBackup  string `mapstructure:"post_backup"`
	PreRestore  string `mapstructure:"pre_restore"`
	PostRestore string `mapstructure:"post_restore"`
}

// Config is the full kopi-docka configuration.
type Config struct {
	Profile     string             `mapstructure:"profile"`
	Backend     string             `mapstructure:"backend"` // e.g. filesystem:/srv/repo, s3://bucket/prefix
	CacheDir    string             `mapstructure:"cache_dir"`
	BackupBase  string             `mapstructure:"backup_base"`
	BundleDir   string             `mapstructure:"bundle_dir"`
	Credentials CredentialsConfig  `mapstructure:"credentials"`
	Retention   RetentionPolicy    `mapstructure:"retention"`
	Hooks       HooksConfig        `mapstructure:"hooks"`
	Excludes    []string           `mapstructure:"exclude_patterns"`
	Parallel    ParallelismConfig  `mapstructure:"parallelism"`
	Timeouts    TimeoutsConfig     `mapstructure:"timeouts"`
	LogLevel    string             `mapstructure:"log_level"`
	LogJSON     bool               `mapstructure:"log_json"`
}

// ParallelismConfig controls the bounded worker pool sizing.
type ParallelismConfig struct {
	Workers int `mapstructure:"workers"` // 0 = auto (cores clamped to RAM table)
}

// TimeoutsConfig holds every duration the orchestrator needs, in seconds.
type TimeoutsConfig struct {
	ContainerStop  int `mapstructure:"container_stop"`
	ContainerStart int `mapstructure:"container_start"`
	TaskTimeout    int `mapstructure:"task_timeout"` // 0 = unbounded
	HookTimeout    int `mapstructure:"hook_timeout"`
	HealthPoll     int `mapstructure:"health_poll_timeout"`
}

// DefaultConfigPaths mirrors the original implementation's search order.
var DefaultConfigPaths = []string{
	"/etc/kopi-docka.conf",
	"$HOME/.config/kopi-docker/config.conf",
}

// Load reads configuration from configPath (if non-empty) or the default search
// path, merges KOPI_DOCKA_* environment overrides, and applies defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KOPI_DOCKA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("profile", "default")
	v.SetDefault("cache_dir", "/var/cache/kopi-docka")
	v.SetDefault("backup_base", "/backup/kopi-docka")
	v.SetDefault("bundle_dir", "/backup/kopi-docka/dr-bundles")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
	v.SetDefault("timeouts.container_stop", 30)
	v.SetDefault("timeouts.container_start", 60)
	v.SetDefault("timeouts.task_timeout", 3600)
	v.SetDefault("timeouts.hook_timeout", 60)
	v.SetDefault("timeouts.health_poll_timeout", 60)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("/etc")
		v.AddConfigPath("$HOME/.config/kopi-docker")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && configPath != "" {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Profile == "" {
		return fmt.Errorf("config: profile is required")
	}
	if c.Backend == "" {
		return fmt.Errorf("config: backend is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("config: cache_dir is required")
	}
	if c.BackupBase == "" {
		return fmt.Errorf("config: backup_base is required")
	}
	return nil
}

// RepositoryConfigFile returns the per-profile engine config path under CacheDir,
// per spec.md §6: <cache_dir>/repository-<profile>.config.
func (c *Config) RepositoryConfigFile() string {
	return c.CacheDir + "/repository-" + c.Profile + ".config"
}

// StagingDir returns the stable staging directory root for a given artifact kind.
func (c *Config) StagingDir(kind string) string {
	return c.CacheDir + "/staging/" + kind
}
