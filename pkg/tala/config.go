package tala

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/harunnryd/tala/pkg/configutil"
	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/mcp"
	"github.com/harunnryd/tala/pkg/orchestrator"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Model         ModelConfig         `mapstructure:"model"`
	ToolServers   ToolServersConfig   `mapstructure:"tool_servers"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Speech        SpeechConfig        `mapstructure:"speech"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Addr                string   `mapstructure:"addr"`
	ReadHeaderTimeoutMS int      `mapstructure:"read_header_timeout_ms"`
	ShutdownTimeoutMS   int      `mapstructure:"shutdown_timeout_ms"`
	DrainGraceMS        int      `mapstructure:"drain_grace_ms"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	MaxBodyBytes        int64    `mapstructure:"max_body_bytes"`
}

type ModelConfig struct {
	Provider       string               `mapstructure:"provider"`
	Settings       map[string]any       `mapstructure:"settings"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Threshold  int  `mapstructure:"threshold"`
	CooldownMS int  `mapstructure:"cooldown_ms"`
}

type ToolServersConfig struct {
	BaseURL          string           `mapstructure:"base_url"`
	Transport        string           `mapstructure:"transport"`
	ConnectTimeoutMS int              `mapstructure:"connect_timeout_ms"`
	ConnectRetries   int              `mapstructure:"connect_retries"`
	RetryBackoffMS   int              `mapstructure:"retry_backoff_ms"`
	Servers          []mcp.ServerSpec `mapstructure:"servers"`
	// Optional lets the service start without any tool server.
	Optional bool `mapstructure:"optional"`
}

type OrchestratorConfig struct {
	Mode          string `mapstructure:"mode"`
	MaxRoundTrips int    `mapstructure:"max_round_trips"`
	ToolTimeoutMS int    `mapstructure:"tool_timeout_ms"`
	SystemPrompt  string `mapstructure:"system_prompt"`
	FallbackText  string `mapstructure:"fallback_text"`
}

type SpeechConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	MaxChars     int               `mapstructure:"max_chars"`
	MaxSentences int               `mapstructure:"max_sentences"`
	Replacements map[string]string `mapstructure:"replacements"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	// EventsPath enables the JSONL metrics sink when set.
	EventsPath string `mapstructure:"events_path"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// apiKeyEnv is consulted when a provider's api_key setting is blank.
var apiKeyEnv = map[string]string{
	"gemini":    "GOOGLE_GENERATIVE_AI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// LoadConfig reads an optional YAML file, applies defaults and TALA_*
// environment overrides, expands ${VAR} references and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TALA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	cfg.applyEnvFallbacks()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout_ms", 5000)
	v.SetDefault("server.shutdown_timeout_ms", 10000)
	v.SetDefault("server.drain_grace_ms", 5000)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("model.provider", "gemini")
	v.SetDefault("model.circuit_breaker.enabled", true)
	v.SetDefault("model.circuit_breaker.threshold", 3)
	v.SetDefault("model.circuit_breaker.cooldown_ms", 30000)
	v.SetDefault("tool_servers.base_url", "${MCP_SERVER_BASE_URL}")
	v.SetDefault("tool_servers.transport", mcp.TransportSSE)
	v.SetDefault("tool_servers.connect_timeout_ms", 10000)
	v.SetDefault("tool_servers.connect_retries", 0)
	v.SetDefault("tool_servers.retry_backoff_ms", 200)
	v.SetDefault("tool_servers.optional", false)
	v.SetDefault("orchestrator.mode", string(orchestrator.ModeServer))
	v.SetDefault("orchestrator.max_round_trips", orchestrator.DefaultMaxRoundTrips)
	v.SetDefault("orchestrator.tool_timeout_ms", 6000)
	v.SetDefault("orchestrator.system_prompt", "")
	v.SetDefault("orchestrator.fallback_text", orchestrator.DefaultFallbackText)
	v.SetDefault("speech.enabled", true)
	v.SetDefault("speech.max_chars", 420)
	v.SetDefault("speech.max_sentences", 3)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.events_path", "")
	v.SetDefault("observability.buffer_size", 2048)
}

func (c *Config) applyEnvFallbacks() {
	if strings.TrimSpace(c.ToolServers.BaseURL) == "" {
		c.ToolServers.BaseURL = os.Getenv("MCP_SERVER_URL")
	}
	provider := strings.ToLower(strings.TrimSpace(c.Model.Provider))
	env, ok := apiKeyEnv[provider]
	if !ok {
		return
	}
	if c.Model.Settings == nil {
		c.Model.Settings = map[string]any{}
	}
	if s, _ := c.Model.Settings["api_key"].(string); strings.TrimSpace(s) == "" {
		if key := os.Getenv(env); key != "" {
			c.Model.Settings["api_key"] = key
		}
	}
}

// Validate reports every problem at once. Each carries the config_missing
// reason so the transport can surface it.
func (c *Config) Validate() error {
	var errs error
	if err := configutil.RequireString(c.Model.Provider, "model.provider"); err != nil {
		errs = multierr.Append(errs, err)
	} else if err := DefaultProviders().Validate(c.Model); err != nil {
		errs = multierr.Append(errs, err)
	}
	switch orchestrator.Mode(strings.ToLower(strings.TrimSpace(c.Orchestrator.Mode))) {
	case orchestrator.ModeServer, orchestrator.ModeClient:
	default:
		errs = multierr.Append(errs, errorsx.New(errorsx.ReasonConfigMissing,
			"orchestrator.mode must be %q or %q, got %q", orchestrator.ModeServer, orchestrator.ModeClient, c.Orchestrator.Mode))
	}
	if c.Orchestrator.MaxRoundTrips < 0 {
		errs = multierr.Append(errs, errorsx.New(errorsx.ReasonConfigMissing, "orchestrator.max_round_trips must not be negative"))
	}
	if endpoints, err := c.Endpoints(); err != nil {
		errs = multierr.Append(errs, err)
	} else if len(endpoints) == 0 && !c.ToolServers.Optional {
		errs = multierr.Append(errs, errNoToolServers)
	}
	return errs
}

var errNoToolServers = errorsx.New(errorsx.ReasonConfigMissing,
	"no tool servers configured: set tool_servers.base_url or tool_servers.servers, or tool_servers.optional")

// Endpoints resolves tool_servers into dialable endpoints.
func (c *Config) Endpoints() ([]mcp.Endpoint, error) {
	return mcp.ResolveEndpoints(c.ToolServers.BaseURL, c.ToolServers.Transport, c.ToolServers.Servers)
}

func (c *Config) Mode() orchestrator.Mode {
	return orchestrator.Mode(strings.ToLower(strings.TrimSpace(c.Orchestrator.Mode)))
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Model.Settings = expandSettings(cfg.Model.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			}
		}
	}
}
