// Package config provides configuration management for ollamaguard.
// It uses Viper to load settings from an optional JSON file under the
// user's home directory, with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Thresholds holds the warning limits for the resource monitor.
// A reading above its limit produces a warning; a reading above the
// critical margin (see monitor package) stops the managed processes.
type Thresholds struct {
	CPUPercent            float64 `mapstructure:"cpu_percent" json:"cpu_percent"`
	MemoryPercent         float64 `mapstructure:"memory_percent" json:"memory_percent"`
	GPUMemoryPercent      float64 `mapstructure:"gpu_memory_percent" json:"gpu_memory_percent"`
	TemperatureCelsius    float64 `mapstructure:"temperature_celsius" json:"temperature_celsius"`
	BatteryMinimumPercent float64 `mapstructure:"battery_minimum_percent" json:"battery_minimum_percent"`
	NetworkMbps           float64 `mapstructure:"network_mbps" json:"network_mbps"`
	DiskPercent           float64 `mapstructure:"disk_percent" json:"disk_percent"`
}

// Config holds all runtime configuration for ollamaguard.
// It is loaded once at startup and immutable afterwards.
type Config struct {
	Thresholds Thresholds `mapstructure:",squash"`

	// ── Monitor ──────────────────────────────────────────────────────────────
	// ProcessName: processes whose name or cmdline contains this string
	// form the managed set.
	ProcessName     string `mapstructure:"process_name"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	// CooldownSeconds: minimum time between warning batches. One clock is
	// shared across all metrics.
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
	// WindowSeconds: the network throughput probe blocks for this long
	// between its two counter reads (windowed sampling).
	WindowSeconds int `mapstructure:"window_seconds"`
	// GraceSeconds: wait after SIGTERM before force-killing survivors.
	GraceSeconds int    `mapstructure:"grace_seconds"`
	LogFile      string `mapstructure:"log_file"`
	DBPath       string `mapstructure:"db_path"`
	// HistoryKeep: cap on stored samples; older rows are pruned as the
	// monitor runs.
	HistoryKeep int `mapstructure:"history_keep"`

	// ── API server ───────────────────────────────────────────────────────────
	ListenAddr string `mapstructure:"listen_addr"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	AdminUser  string `mapstructure:"admin_user"`
	AdminPass  string `mapstructure:"admin_pass"`
}

// Dir returns the ollama data directory under the user's home.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ollama"
	}
	return filepath.Join(home, ".ollama")
}

// FilePath returns the fixed config file location.
func FilePath() string {
	return filepath.Join(Dir(), "resource_config.json")
}

// Load reads config from ~/.ollama/resource_config.json and falls back to
// defaults. The file is optional; unknown keys in it are silently ignored.
// Environment variables with prefix GUARD_ override file values.
func Load() (*Config, error) {
	return load(Dir())
}

// load is the testable core of Load with an explicit search directory.
func load(dir string) (*Config, error) {
	v := viper.New()

	// --- Defaults ---
	v.SetDefault("cpu_percent", 80.0)
	v.SetDefault("memory_percent", 80.0)
	v.SetDefault("gpu_memory_percent", 80.0)
	v.SetDefault("temperature_celsius", 80.0)
	v.SetDefault("battery_minimum_percent", 20.0)
	v.SetDefault("network_mbps", 100.0)
	v.SetDefault("disk_percent", 90.0)

	v.SetDefault("process_name", "ollama")
	v.SetDefault("interval_seconds", 60)
	v.SetDefault("cooldown_seconds", 300) // 5 minutes between warning batches
	v.SetDefault("window_seconds", 1)
	v.SetDefault("grace_seconds", 2)
	v.SetDefault("log_file", "")
	v.SetDefault("db_path", filepath.Join(dir, "guard.db"))
	v.SetDefault("history_keep", 10080) // one week of samples at the default interval

	v.SetDefault("listen_addr", "127.0.0.1:11500")
	// Security defaults — override in resource_config.json for anything
	// beyond loopback use.
	v.SetDefault("jwt_secret", "ollamaguard-dev-secret-change-me")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")

	// --- Config file ---
	v.SetConfigName("resource_config")
	v.SetConfigType("json")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
