package tala

import (
	"context"
	"sort"
	"strings"

	"github.com/harunnryd/tala/pkg/configutil"
	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/metrics"
	"github.com/harunnryd/tala/pkg/providers/anthropic"
	"github.com/harunnryd/tala/pkg/providers/gemini"
	"github.com/harunnryd/tala/pkg/providers/mock"
	"github.com/harunnryd/tala/pkg/providers/openai"
	"github.com/harunnryd/tala/pkg/resilience"
)

// LLMFactory builds an adapter from the provider's settings map. Settings
// have already passed the provider's schema.
type LLMFactory func(ctx context.Context, settings map[string]any) (llm.Adapter, error)

type providerEntry struct {
	schema  configutil.Schema
	factory LLMFactory
}

type ProviderRegistry struct {
	llm map[string]providerEntry
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{llm: make(map[string]providerEntry)}
}

func (r *ProviderRegistry) RegisterLLM(name string, schema configutil.Schema, factory LLMFactory) {
	r.llm[normalizeProvider(name)] = providerEntry{schema: schema, factory: factory}
}

// Names lists registered providers in sorted order.
func (r *ProviderRegistry) Names() []string {
	out := make([]string, 0, len(r.llm))
	for name := range r.llm {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks the provider exists and its settings match its schema.
func (r *ProviderRegistry) Validate(cfg ModelConfig) error {
	entry, ok := r.llm[normalizeProvider(cfg.Provider)]
	if !ok {
		return errorsx.New(errorsx.ReasonConfigMissing, "llm provider not registered: %s (known: %s)",
			cfg.Provider, strings.Join(r.Names(), ", "))
	}
	return configutil.ValidateSettings("model "+normalizeProvider(cfg.Provider), cfg.Settings, entry.schema)
}

// BuildLLM validates settings, builds the adapter and wraps it in a circuit
// breaker when enabled.
func (r *ProviderRegistry) BuildLLM(ctx context.Context, cfg ModelConfig, obs metrics.Observer) (llm.Adapter, error) {
	if err := r.Validate(cfg); err != nil {
		return nil, err
	}
	entry := r.llm[normalizeProvider(cfg.Provider)]
	adapter, err := entry.factory(ctx, cfg.Settings)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigMissing)
	}
	if !cfg.CircuitBreaker.Enabled {
		return adapter, nil
	}
	breaker := resilience.NewCircuitBreaker(cfg.CircuitBreaker.Threshold,
		configutil.Millis(cfg.CircuitBreaker.CooldownMS, 0))
	wrapped := llm.NewCircuitBreakerAdapter(adapter, breaker)
	wrapped.SetObserver(obs)
	return wrapped, nil
}

// DefaultProviders registers every built-in model provider.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterLLM("gemini", gemini.Schema, func(ctx context.Context, settings map[string]any) (llm.Adapter, error) {
		var s gemini.Settings
		if err := configutil.DecodeSettings(settings, &s); err != nil {
			return nil, err
		}
		return gemini.NewAdapter(ctx, s)
	})
	r.RegisterLLM("openai", openai.Schema, func(_ context.Context, settings map[string]any) (llm.Adapter, error) {
		var s openai.Settings
		if err := configutil.DecodeSettings(settings, &s); err != nil {
			return nil, err
		}
		return openai.NewAdapter(s), nil
	})
	r.RegisterLLM("anthropic", anthropic.Schema, func(_ context.Context, settings map[string]any) (llm.Adapter, error) {
		var s anthropic.Settings
		if err := configutil.DecodeSettings(settings, &s); err != nil {
			return nil, err
		}
		return anthropic.NewAdapter(s), nil
	})
	r.RegisterLLM("mock", mockSchema, func(_ context.Context, settings map[string]any) (llm.Adapter, error) {
		var s struct {
			ResponseText string `mapstructure:"response_text"`
		}
		if err := configutil.DecodeSettings(settings, &s); err != nil {
			return nil, err
		}
		return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: s.ResponseText}), nil
	})
	return r
}

var mockSchema = configutil.Schema{Optional: []string{"response_text"}}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
