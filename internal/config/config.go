// Package config handles Relay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/relay/config.yaml, /etc/relay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "relay", "config.yaml"))
	}

	paths = append(paths, "/etc/relay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Relay configuration.
type Config struct {
	Listen    ListenConfig     `yaml:"listen"`
	Model     ModelConfig      `yaml:"model"`
	Agent     AgentConfig      `yaml:"agent"`
	Providers []ProviderConfig `yaml:"providers"`
	Session   SessionConfig    `yaml:"session"`
	LogLevel  string           `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig selects the model-completion backend.
type ModelConfig struct {
	// Provider is the backend kind: "ollama" or "openrouter".
	Provider string `yaml:"provider"`
	// Name is the model identifier passed on every completion request.
	Name string `yaml:"name"`
	// BaseURL overrides the backend endpoint (defaults per provider).
	BaseURL string `yaml:"base_url"`
	// APIKey is the bearer token for hosted backends (openrouter).
	APIKey string `yaml:"api_key"`
}

// AgentConfig tunes the bounded tool-iteration loop.
type AgentConfig struct {
	// MaxIterations caps model/tool cycles per turn. On the final
	// iteration tools are withheld so the turn always ends with a
	// plain completion. Default 10.
	MaxIterations int `yaml:"max_iterations"`
	// ToolMarker is appended to answers that used at least one tool,
	// letting downstream consumers distinguish tool-augmented output.
	ToolMarker string `yaml:"tool_marker"`
	// SystemPrompt seeds every conversation.
	SystemPrompt string `yaml:"system_prompt"`
}

// ProviderConfig defines a single tool provider connection.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // "stdio" or "http"

	// Stdio transport settings.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// HTTP transport settings.
	URL       string            `yaml:"url"`
	AuthToken string            `yaml:"auth_token"`
	Headers   map[string]string `yaml:"headers"`

	// CallTimeoutSec bounds each tools/call to this provider.
	// Zero means the 30s default; slow providers run up to 120s.
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// CallTimeout returns the effective per-call deadline.
func (p ProviderConfig) CallTimeout() time.Duration {
	if p.CallTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.CallTimeoutSec) * time.Second
}

// Validate checks a provider entry for the fields its transport requires.
func (p ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	switch p.Transport {
	case "stdio":
		if p.Command == "" {
			return fmt.Errorf("provider %s: stdio transport requires command", p.Name)
		}
	case "http":
		if p.URL == "" {
			return fmt.Errorf("provider %s: http transport requires url", p.Name)
		}
	default:
		return fmt.Errorf("provider %s: unknown transport %q (valid: stdio, http)", p.Name, p.Transport)
	}
	return nil
}

// SessionConfig defines conversation persistence settings.
type SessionConfig struct {
	// Path is the SQLite database file. Empty means "relay.db" in the
	// working directory.
	Path string `yaml:"path"`
	// MaxTurns is the per-session history window. Older turns are
	// evicted once the window is full. Default 100.
	MaxTurns int `yaml:"max_turns"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	for _, p := range cfg.Providers {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model: ModelConfig{
			Provider: "ollama",
			Name:     "qwen3:4b",
		},
		Agent: AgentConfig{
			MaxIterations: 10,
		},
		Session: SessionConfig{
			Path:     "relay.db",
			MaxTurns: 100,
		},
	}
}
