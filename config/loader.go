package config

import (
	"errors"
	"log/slog"
	"os"
)

const (
	// EnvServerURL overrides server.url when set
	EnvServerURL = "OCTOPOID_SERVER_URL"
	// EnvAPIKey overrides server.api_key when set
	EnvAPIKey = "OCTOPOID_API_KEY"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load resolves the project root from startDir and loads configuration
// with layered precedence:
// 1. Default config
// 2. .octopoid/config.yaml in the project root
// 3. Environment variables (OCTOPOID_SERVER_URL, OCTOPOID_API_KEY)
func (l *Loader) Load(startDir string) (*Config, Layout, error) {
	root, err := FindRoot(startDir)
	if err != nil {
		return nil, Layout{}, err
	}
	layout := NewLayout(root)

	config := DefaultConfig()

	path := layout.ConfigFile()
	if fileConfig, err := LoadFromFile(path); err == nil {
		l.logger.Debug("Loaded project config", slog.String("path", path))
		config.Merge(fileConfig)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to load project config", slog.String("path", path), slog.String("error", err.Error()))
	}

	ApplyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, Layout{}, err
	}

	return config, layout, nil
}

// ApplyEnv applies environment overrides onto a config in place.
func ApplyEnv(config *Config) {
	if url := os.Getenv(EnvServerURL); url != "" {
		config.Server.URL = url
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		config.Server.APIKey = key
	}
}
