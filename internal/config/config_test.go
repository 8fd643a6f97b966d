package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "model:\n  name: llama3.2\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Model.Name != "llama3.2" {
		t.Errorf("model name = %q", cfg.Model.Name)
	}
	if cfg.Model.Provider != "ollama" {
		t.Errorf("model provider = %q, want default ollama", cfg.Model.Provider)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Listen.Port)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max iterations = %d, want default 10", cfg.Agent.MaxIterations)
	}
	if cfg.Session.MaxTurns != 100 {
		t.Errorf("session max turns = %d, want default 100", cfg.Session.MaxTurns)
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: 127.0.0.1
  port: 9090
model:
  provider: openrouter
  name: openai/gpt-4o-mini
  api_key: sk-test
agent:
  max_iterations: 5
  tool_marker: " [via tools]"
  system_prompt: Be brief.
providers:
  - name: files
    transport: stdio
    command: mcp-files
    args: ["--root", "/data"]
  - name: search
    transport: http
    url: https://search.example.com/mcp
    auth_token: tok
    call_timeout_sec: 120
session:
  path: /var/lib/relay/relay.db
  max_turns: 40
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Address != "127.0.0.1" || cfg.Listen.Port != 9090 {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.Agent.ToolMarker != " [via tools]" {
		t.Errorf("tool marker = %q", cfg.Agent.ToolMarker)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("got %d providers", len(cfg.Providers))
	}
	if cfg.Providers[0].Command != "mcp-files" || len(cfg.Providers[0].Args) != 2 {
		t.Errorf("stdio provider = %+v", cfg.Providers[0])
	}
	if got := cfg.Providers[1].CallTimeout(); got != 120*time.Second {
		t.Errorf("call timeout = %s", got)
	}
	if cfg.Session.MaxTurns != 40 {
		t.Errorf("max turns = %d", cfg.Session.MaxTurns)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "from-env")
	path := writeConfig(t, "model:\n  provider: openrouter\n  api_key: ${RELAY_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.APIKey != "from-env" {
		t.Errorf("api key = %q, want env expansion", cfg.Model.APIKey)
	}
}

func TestLoadRejectsInvalidProvider(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing name",
			yaml: "providers:\n  - transport: stdio\n    command: x\n",
		},
		{
			name: "stdio without command",
			yaml: "providers:\n  - name: p\n    transport: stdio\n",
		},
		{
			name: "http without url",
			yaml: "providers:\n  - name: p\n    transport: http\n",
		},
		{
			name: "unknown transport",
			yaml: "providers:\n  - name: p\n    transport: grpc\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("Load should reject invalid provider config")
			}
		})
	}
}

func TestCallTimeoutDefault(t *testing.T) {
	p := ProviderConfig{}
	if got := p.CallTimeout(); got != 30*time.Second {
		t.Errorf("default call timeout = %s, want 30s", got)
	}
}

func TestFindConfigExplicit(t *testing.T) {
	path := writeConfig(t, "")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig = %q, want %q", got, path)
	}

	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("FindConfig should fail for a missing explicit path")
	}
}
