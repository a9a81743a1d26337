// Package config loads stoker's configuration from file and environment.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	// DefaultPlatform selects the base image platform, e.g. "linux/amd64".
	DefaultPlatform string `mapstructure:"default_platform"`

	// CacheDir is the layer cache root.
	CacheDir string `mapstructure:"cache_dir"`

	// CredentialHelpers names docker-credential-<name> helpers to consult,
	// in order.
	CredentialHelpers []string `mapstructure:"credential_helpers"`

	// DockerConfigPath overrides the Docker config.json location used as a
	// credential fallback.
	DockerConfigPath string `mapstructure:"docker_config_path"`

	// AllowInsecureRegistries permits plain-HTTP registries.
	AllowInsecureRegistries bool `mapstructure:"allow_insecure_registries"`

	// Workers bounds the build step pool. Zero picks the default.
	Workers int `mapstructure:"workers"`

	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`
}

// Load reads configuration from configPath (or the default search path)
// merged with STOKER_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("default_platform", "linux/amd64")
	v.SetDefault("cache_dir", filepath.Join(homeDir(), ".stoker", "cache"))
	v.SetDefault("allow_insecure_registries", false)
	v.SetDefault("workers", 0)
	v.SetDefault("debug", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(".stoker")
		v.SetConfigType("yaml")
		v.AddConfigPath(homeDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("STOKER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// No config file on the search path is fine; defaults and
		// environment apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	return &cfg, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
