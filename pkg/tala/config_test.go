package tala

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/orchestrator"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"MCP_SERVER_BASE_URL", "MCP_SERVER_URL", "GOOGLE_GENERATIVE_AI_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_MCP_BASE", "http://mcp.local")
	t.Setenv("TEST_GREETING", "hello")
	path := writeConfig(t, `
log_level: debug
model:
  provider: mock
  settings:
    response_text: ${TEST_GREETING} there
tool_servers:
  base_url: ${TEST_MCP_BASE}
  servers:
    - id: perplexity
    - id: budget
      path: /b/mcp
orchestrator:
  mode: client
  max_round_trips: 3
speech:
  replacements:
    usd: dollars
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Mode() != orchestrator.ModeClient || cfg.Orchestrator.MaxRoundTrips != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Model.Settings["response_text"] != "hello there" {
		t.Fatalf("expected env expansion in settings, got %v", cfg.Model.Settings)
	}
	if cfg.Orchestrator.ToolTimeoutMS != 6000 || !cfg.Speech.Enabled || cfg.Speech.MaxChars != 420 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.Speech.Replacements["usd"] != "dollars" {
		t.Fatalf("unexpected replacements: %v", cfg.Speech.Replacements)
	}
	endpoints, err := cfg.Endpoints()
	if err != nil {
		t.Fatalf("endpoints: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(endpoints))
	}
	if endpoints[0].URL != "http://mcp.local/perplexity/mcp" || endpoints[1].URL != "http://mcp.local/b/mcp" {
		t.Fatalf("unexpected endpoints: %+v", endpoints)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("TALA_ORCHESTRATOR_MODE", "server")
	t.Setenv("TALA_SERVER_ADDR", ":9999")
	path := writeConfig(t, "model:\n  provider: mock\norchestrator:\n  mode: client\ntool_servers:\n  optional: true\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode() != orchestrator.ModeServer || cfg.Server.Addr != ":9999" {
		t.Fatalf("expected env overrides, got mode=%s addr=%s", cfg.Mode(), cfg.Server.Addr)
	}
}

func TestLoadConfigWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOOGLE_GENERATIVE_AI_API_KEY", "test-key")
	t.Setenv("MCP_SERVER_URL", "http://fallback.local")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Provider != "gemini" || cfg.Model.Settings["api_key"] != "test-key" {
		t.Fatalf("expected gemini with env key, got %+v", cfg.Model)
	}
	endpoints, err := cfg.Endpoints()
	if err != nil || len(endpoints) != 1 || endpoints[0].URL != "http://fallback.local" {
		t.Fatalf("expected single fallback endpoint, got %+v (%v)", endpoints, err)
	}
}

func TestLoadConfigMissingAPIKey(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "model:\n  provider: gemini\n  settings:\n    api_key: ${DEFINITELY_UNSET_KEY}\n")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected missing api key to fail")
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfigMissing) {
		t.Fatalf("expected config_missing, got %v", err)
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api_key in message, got %v", err)
	}
}

func TestLoadConfigRequiresToolServers(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "model:\n  provider: mock\n")
	_, err := LoadConfig(path)
	if !errorsx.HasReason(err, errorsx.ReasonConfigMissing) || !strings.Contains(err.Error(), "no tool servers") {
		t.Fatalf("expected config_missing for absent tool servers, got %v", err)
	}

	optional := writeConfig(t, "model:\n  provider: mock\ntool_servers:\n  optional: true\n")
	cfg, err := LoadConfig(optional)
	if err != nil {
		t.Fatalf("expected optional tool servers to load, got %v", err)
	}
	if endpoints, _ := cfg.Endpoints(); len(endpoints) != 0 {
		t.Fatalf("expected no endpoints, got %+v", endpoints)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Config{
		Model:        ModelConfig{Provider: "nope"},
		Orchestrator: OrchestratorConfig{Mode: "hybrid", MaxRoundTrips: -1},
		ToolServers:  ToolServersConfig{Transport: "grpc"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"not registered", "orchestrator.mode", "max_round_trips", "transport"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfigMissing) {
		t.Fatalf("expected config_missing reason, got %v", err)
	}
}
