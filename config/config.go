package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the analysis engine.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains persistence settings. The engine persists
// everything on the filesystem; there is no database.
type StorageConfig struct {
	File FileConfig `mapstructure:"file"`
}

// FileConfig locates the session store root.
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

func (f FileConfig) Validate() error {
	if strings.TrimSpace(f.DataDir) == "" {
		return fmt.Errorf("storage.file.data_dir is required")
	}
	return nil
}

// RuntimeConfig describes how the external statistics runtime is located
// and driven.
type RuntimeConfig struct {
	DockerBinary  string        `mapstructure:"docker_binary"`
	Image         string        `mapstructure:"image"`
	RscriptBinary string        `mapstructure:"rscript_binary"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ExecTimeout   time.Duration `mapstructure:"exec_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	PolicyFile    string        `mapstructure:"policy_file"`
}

func (r RuntimeConfig) Validate() error {
	if strings.TrimSpace(r.Image) == "" {
		return fmt.Errorf("runtime.image is required")
	}
	if r.ProbeTimeout <= 0 {
		return fmt.Errorf("runtime.probe_timeout must be positive")
	}
	if r.ExecTimeout <= 0 {
		return fmt.Errorf("runtime.exec_timeout must be positive")
	}
	if r.MaxConcurrent <= 0 {
		return fmt.Errorf("runtime.max_concurrent must be positive")
	}
	return nil
}

// RetentionConfig controls the cleanup sweep for inactive sessions.
type RetentionConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	MaxAge    time.Duration `mapstructure:"max_age"`
	SweepCron string        `mapstructure:"sweep_cron"`
}

func (r RetentionConfig) Validate() error {
	if r.Enabled && r.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be positive when retention is enabled")
	}
	return nil
}

// LoadConfig loads config from file, falling back to defaults plus
// METALYST_* environment overrides when no file is found.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("storage.file.data_dir", "./data/sessions")
	viper.SetDefault("runtime.docker_binary", "docker")
	viper.SetDefault("runtime.image", "metalyst/r-runtime:latest")
	viper.SetDefault("runtime.rscript_binary", "Rscript")
	viper.SetDefault("runtime.probe_timeout", "3s")
	viper.SetDefault("runtime.exec_timeout", "5m")
	viper.SetDefault("runtime.max_concurrent", 4)
	viper.SetDefault("retention.enabled", true)
	viper.SetDefault("retention.max_age", "720h")
	viper.SetDefault("retention.sweep_cron", "@daily")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("METALYST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
		// No file: defaults and environment variables carry the config.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Storage.File.Validate(); err != nil {
		panic(err)
	}
	if err := config.Runtime.Validate(); err != nil {
		panic(err)
	}
	if err := config.Retention.Validate(); err != nil {
		panic(err)
	}
	return &config
}
