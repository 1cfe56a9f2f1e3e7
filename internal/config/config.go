// Package config loads pocketplan configuration and watches the sync
// guardrail flag.
package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Transport modes.
const (
	TransportHTTP   = "http"
	TransportFolder = "folder"
)

// GuardrailFlagName is the file that, when present in the data
// directory, forces sync offline. Its content is the reason shown in
// the status output.
const GuardrailFlagName = "sync.disabled"

// TransportConfig selects and configures the sync channel.
type TransportConfig struct {
	Mode      string `mapstructure:"mode"`
	PushURL   string `mapstructure:"push_url"`
	PullURL   string `mapstructure:"pull_url"`
	AuthToken string `mapstructure:"auth_token"`
}

// ConnectorConfig configures the managed-folder channel.
type ConnectorConfig struct {
	Provider       string `mapstructure:"provider"`
	BaseURL        string `mapstructure:"base_url"`
	AccessToken    string `mapstructure:"access_token"`
	CapabilityFile string `mapstructure:"capability_file"`
}

// DashboardConfig configures the local WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DaemonConfig configures the background sync daemon.
type DaemonConfig struct {
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
}

// Config is the full application configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Profile   string          `mapstructure:"profile"`
	Transport TransportConfig `mapstructure:"transport"`
	Connector ConnectorConfig `mapstructure:"connector"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
}

// DatabasePath returns the sqlite path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "pocketplan.db")
}

// GuardrailFlagPath returns the guardrail flag location.
func (c *Config) GuardrailFlagPath() string {
	return filepath.Join(c.DataDir, GuardrailFlagName)
}

// SettingsSnapshotPath returns the runtime settings snapshot location.
func (c *Config) SettingsSnapshotPath() string {
	return filepath.Join(c.DataDir, "runtime.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pocketplan"
	}
	return filepath.Join(home, ".pocketplan")
}

// Load reads configuration from the given file, or from
// <data-dir>/config.yaml when path is empty, with POCKETPLAN_*
// environment variables layered on top. A missing config file is not
// an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POCKETPLAN")
	v.AutomaticEnv()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("profile", "desktop")
	v.SetDefault("transport.mode", TransportHTTP)
	v.SetDefault("connector.provider", "memory")
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8480)
	v.SetDefault("daemon.log_max_size_mb", 10)
	v.SetDefault("daemon.log_max_backups", 3)
	v.SetDefault("daemon.log_max_age_days", 30)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the cross-field constraints the type system cannot.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case TransportHTTP:
		// URLs may legitimately be empty until the user pairs a remote;
		// the engine reports LOCAL_ONLY in that case.
	case TransportFolder:
		if c.Connector.Provider == "" {
			return fmt.Errorf("folder transport requires a connector provider")
		}
	default:
		return fmt.Errorf("unknown transport mode %q", c.Transport.Mode)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// Configured reports whether a remote has been set up. Unconfigured
// engines stay LOCAL_ONLY and never attempt a cycle.
func (c *Config) Configured() bool {
	switch c.Transport.Mode {
	case TransportHTTP:
		return c.Transport.PushURL != "" && c.Transport.PullURL != ""
	case TransportFolder:
		return c.Connector.Provider != ""
	}
	return false
}

// DaemonLogger builds the daemon's rotating logger. With no log file
// configured the daemon logs to stderr.
func DaemonLogger(cfg DaemonConfig) *log.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
	}
	return log.New(w, "[daemon] ", log.LstdFlags)
}
