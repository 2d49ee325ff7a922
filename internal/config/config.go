// Package config loads and persists the proxy's TOML configuration: the
// shared-secret and tier defaults in [config], one [[provider]] table per
// upstream, and one [transformers.<name>] table per transformer hook the
// pipeline may enable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultPort           = 6970
	DefaultConfigFilename = "config.toml"
	DefaultHost           = "127.0.0.1"

	DefaultUpstreamTimeoutSeconds = 90
	DefaultMaxRetries             = 2
	DefaultMaxTokensLimit         = 8192
	DefaultMinTokensLimit         = 1
)

// ProviderType mirrors router.ProviderType without importing the router
// package, keeping config a leaf dependency.
type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
)

// Provider is one upstream the router can select, identified by name and
// carrying the model lists that back each tier.
type Provider struct {
	Name         string       `toml:"name"`
	BaseURL      string       `toml:"base_url"`
	APIKey       string       `toml:"api_key,omitempty"`
	EnvKey       string       `toml:"env_key,omitempty"`
	ProviderType ProviderType `toml:"provider_type"`
	BigModels    []string     `toml:"big_models,omitempty"`
	MiddleModels []string     `toml:"middle_models,omitempty"`
	SmallModels  []string     `toml:"small_models,omitempty"`
}

// ResolvedAPIKey returns the key to send upstream. EnvKey takes priority
// over a literal APIKey when both are set, per the proxy's key-resolution
// order: an operator who sets both almost certainly means the environment
// variable to win (it's the one that rotates).
func (p Provider) ResolvedAPIKey() string {
	if p.EnvKey != "" {
		if v := os.Getenv(p.EnvKey); v != "" {
			return v
		}
	}

	return p.APIKey
}

// TierDefaults holds each tier's default selection, as "ProviderName:model"
// or a bare model name, used when the router has not yet recorded an
// operator override.
type TierDefaults struct {
	Big    string `toml:"big,omitempty"`
	Middle string `toml:"middle,omitempty"`
	Small  string `toml:"small,omitempty"`
}

// Section is the [config] table: host/port, the shared secret clients
// authenticate with, upstream timing, and token-budget clamps.
type Section struct {
	Host                   string       `toml:"host,omitempty"`
	Port                   int          `toml:"port,omitempty"`
	APIKey                 string       `toml:"api_key,omitempty"`
	UpstreamTimeoutSeconds int          `toml:"upstream_timeout_seconds,omitempty"`
	MaxRetries             int          `toml:"max_retries,omitempty"`
	MaxTokensLimit         int          `toml:"max_tokens_limit,omitempty"`
	MinTokensLimit         int          `toml:"min_tokens_limit,omitempty"`
	Tiers                  TierDefaults `toml:"tiers"`
}

// TransformerSection enables or disables one named transformer and scopes
// it to providers/models via predicate globs, plus transformer-specific
// options (e.g. DeepSeek's max_output, OpenRouter's cache ttl).
type TransformerSection struct {
	Enabled   bool           `toml:"enabled"`
	Providers []string       `toml:"providers,omitempty"`
	Models    []string       `toml:"models,omitempty"`
	Options   map[string]any `toml:"options,omitempty"`
}

// Config is the full TOML document root.
type Config struct {
	Config       Section                       `toml:"config"`
	Providers    []Provider                    `toml:"provider"`
	Transformers map[string]TransformerSection `toml:"transformers"`
}

type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		configPath: filepath.Join(baseDir, DefaultConfigFilename),
	}
}

func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	m.configValue.Store(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Config.Port == 0 {
		cfg.Config.Port = DefaultPort
	}

	if cfg.Config.Host == "" {
		cfg.Config.Host = DefaultHost
	}

	if cfg.Config.UpstreamTimeoutSeconds == 0 {
		cfg.Config.UpstreamTimeoutSeconds = DefaultUpstreamTimeoutSeconds
	}

	if cfg.Config.MaxRetries == 0 {
		cfg.Config.MaxRetries = DefaultMaxRetries
	}

	if cfg.Config.MaxTokensLimit == 0 {
		cfg.Config.MaxTokensLimit = DefaultMaxTokensLimit
	}

	if cfg.Config.MinTokensLimit == 0 {
		cfg.Config.MinTokensLimit = DefaultMinTokensLimit
	}
}

// Get returns the cached config, loading it from disk if this is the
// first call. A failed load falls back to bare defaults rather than a
// nil config, matching the proxy's tolerance for a missing config file
// on first run.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		fallback := &Config{}
		applyDefaults(fallback)

		return fallback
	}

	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}
