// Package config loads the YAML configuration file shared by every amane
// process. Unknown keys are collected into Extra and ignored by the core;
// component constructors may pick them up.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile overrides the configuration file path.
const EnvConfigFile = "AMANE_CONFIG_FILE"

// DefaultPath is used when neither the flag nor the environment names a file.
const DefaultPath = "/etc/amane/amane.conf"

type Config struct {
	DBURL  string `yaml:"db_url"`
	DBName string `yaml:"db_name"`

	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`

	RelayHost string `yaml:"relay_host"`
	RelayPort int    `yaml:"relay_port"`

	Domain  string `yaml:"domain"`
	LogFile string `yaml:"log_file"`

	MetricsAddress string `yaml:"metrics_address"`

	Extra map[string]any `yaml:",inline"`
}

// Path resolves the config file path from an explicit flag value, the
// environment, or the default, in that order.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigFile); env != "" {
		return env
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("config %s: domain is required", path)
	}
	return &cfg, nil
}
