package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the application settings read from the YAML config file.
type Config struct {
	HistoryPath string  `yaml:"history_path"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	LogLevel    string  `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		MaxTokens:   4096,
		Temperature: 0.7,
		LogLevel:    "info",
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".agentchat", "config.yaml")
	}
	return filepath.Join(home, ".agentchat", "config.yaml")
}

// Load reads the config file at path, falling back to defaults when the file
// is absent. The OPENAI_API_KEY environment variable fills in a missing API
// key.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "config: parse %s", path)
		}
	} else if !os.IsNotExist(err) {
		return cfg, errors.Wrapf(err, "config: read %s", path)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg, nil
}
