// Package config loads the chatrelay.yaml configuration file. Discovery is
// first-match: an explicit path, then chatrelay.yaml in the working
// directory, then ~/.chatrelay/config.yaml. Values may reference environment
// variables with ${VAR} syntax.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "chatrelay.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the full chatrelay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	Store     StoreConfig     `yaml:"store"`
	Stream    StreamConfig    `yaml:"stream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr       string `yaml:"addr"`        // default ":8000"
	CORSOrigin string `yaml:"cors_origin"` // default "*"
}

// ProviderConfig selects and authenticates the LLM provider.
type ProviderConfig struct {
	Name   string `yaml:"name"`    // "openai", "anthropic", "ollama"
	APIKey string `yaml:"api_key"` // supports ${ENV} expansion
	Model  string `yaml:"model"`
}

// StoreConfig configures thread persistence.
type StoreConfig struct {
	DSN string `yaml:"dsn"` // sqlite path, default "chatrelay.sqlite"
}

// StreamConfig configures the resumable event layer.
type StreamConfig struct {
	LogCapacity     int      `yaml:"log_capacity"`     // per-stream, default 100
	RetainFor       Duration `yaml:"retain_for"`       // default 5m
	MaintenanceCron string   `yaml:"maintenance_cron"` // default "*/5 * * * *"
}

// Duration is a time.Duration that unmarshals from Go duration strings like
// "5m" or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TelemetryConfig configures the OTLP trace exporter. Empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8000", CORSOrigin: "*"},
		Provider: ProviderConfig{Name: "openai"},
		Store:    StoreConfig{DSN: "chatrelay.sqlite"},
	}
}

// DiscoverPath resolves the config file location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".chatrelay", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path that does not exist is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and parses the config file at path, applying defaults for
// omitted values and expanding ${ENV} references in the provider api key.
func Load(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}

	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)
	cfg.applyDefaults()
	return cfg, nil
}

// LoadOrDefault discovers and loads the config file, or returns defaults
// when none exists.
func LoadOrDefault(explicitPath string) (Config, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, err
	}
	if !found {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = def.Server.CORSOrigin
	}
	if c.Provider.Name == "" {
		c.Provider.Name = def.Provider.Name
	}
	if c.Store.DSN == "" {
		c.Store.DSN = def.Store.DSN
	}
}
