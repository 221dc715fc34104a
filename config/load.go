package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// SetDefaults applies default values to a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", defaultDatabasePath())
	v.SetDefault("server.port", 8770)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("engine.workers", 2)
	v.SetDefault("engine.poll_interval_seconds", 1)
	v.SetDefault("engine.sweep_interval_seconds", 30)
	v.SetDefault("engine.approval_ttl_hours", 24)
	v.SetDefault("engine.default_max_attempts", 4)

	v.SetDefault("limits.max_plan_bytes", 256*1024)
	v.SetDefault("limits.max_steps", 100)
	v.SetDefault("limits.output_summary_cap", 10*1024)
	v.SetDefault("limits.result_summary_cap", 10*1024)
	v.SetDefault("limits.submit_rate_per_sec", 10)
	v.SetDefault("limits.submit_burst", 20)
	v.SetDefault("limits.max_targets_per_step", 64)

	v.SetDefault("adapters.base_url", "http://127.0.0.1:8771")

	v.SetDefault("artifacts.backend", "fs")
	v.SetDefault("artifacts.dir", defaultArtifactDir())
	v.SetDefault("artifacts.use_ssl", false)
}

func initViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("conductor")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".opsconductor"))
	}

	v.SetEnvPrefix("OPSCONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// Missing config file is fine - defaults and env cover everything
	_ = v.ReadInConfig()

	return v
}

// Load reads the engine configuration using Viper
func Load() (*Config, error) {
	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "conductor.db"
	}
	return filepath.Join(home, ".opsconductor", "conductor.db")
}

func defaultArtifactDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "artifacts"
	}
	return filepath.Join(home, ".opsconductor", "artifacts")
}
