package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/logging"
	"github.com/harunnryd/tala/pkg/metrics"
	"github.com/harunnryd/tala/pkg/resilience"
)

// Turn is the outcome of one model round trip.
type Turn struct {
	Text         string
	Calls        []llm.ToolCall
	Usage        llm.Usage
	FinishReason string
}

// TurnEngine performs exactly one model call per RunTurn. It keeps no
// per-conversation state and may be shared across runs.
type TurnEngine struct {
	adapter  llm.Adapter
	system   string
	logger   *slog.Logger
	observer metrics.Observer
}

func NewTurnEngine(adapter llm.Adapter, systemPrompt string, logger *slog.Logger, obs metrics.Observer) *TurnEngine {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &TurnEngine{
		adapter:  adapter,
		system:   systemPrompt,
		logger:   logging.NewComponentLogger(logger, "turn_engine"),
		observer: metrics.OrNoop(obs),
	}
}

// RunTurn sends the history and tool set to the model. Tool calls come from
// native function calls and from TOOL_CALL lines in the text; the latter are
// stripped from the returned text. No retries are attempted.
func (e *TurnEngine) RunTurn(ctx context.Context, history []llm.Message, tools []llm.Tool) (Turn, error) {
	if err := ctx.Err(); err != nil {
		return Turn{}, errorsx.Wrap(err, errorsx.ReasonCanceled)
	}
	system, messages := splitSystem(e.system, history)
	start := time.Now()
	resp, err := e.adapter.Generate(ctx, llm.Context{System: system, Messages: messages, Tools: tools})
	if err != nil {
		return Turn{}, e.classify(ctx, err)
	}

	text, inline := llm.ExtractToolCalls(resp.Text)
	calls := append(llm.CloneToolCalls(resp.ToolCalls), inline...)
	servers := make(map[string]string, len(tools))
	for _, t := range tools {
		servers[t.Name] = t.ServerID
	}
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
		if calls[i].Server == "" {
			calls[i].Server = servers[calls[i].Name]
		}
		if calls[i].Arguments == nil {
			calls[i].Arguments = map[string]any{}
		}
	}

	elapsed := metrics.Since(start)
	e.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventTurnCompleted,
		Time:  time.Now(),
		Value: elapsed,
		Tags: metrics.RunTags(ctx, map[string]string{
			"component": "turn_engine",
			"provider":  e.adapter.Name(),
		}),
		Fields: map[string]any{
			"tool_calls":        len(calls),
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	})
	e.logger.Debug("turn_completed",
		"provider", e.adapter.Name(),
		"tool_calls", len(calls),
		"finish_reason", resp.FinishReason,
		"latency_ms", elapsed,
	)
	return Turn{
		Text:         strings.TrimSpace(text),
		Calls:        calls,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
	}, nil
}

func (e *TurnEngine) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errorsx.Wrap(fmt.Errorf("generate: %w", ctx.Err()), errorsx.ReasonCanceled)
	}
	e.logger.Warn("llm_generate_error", "provider", e.adapter.Name(), "error", err)
	if resilience.IsRateLimit(err) {
		return errorsx.Wrap(fmt.Errorf("generate: %w", err), errorsx.ReasonModelRateLimit)
	}
	return errorsx.Wrap(fmt.Errorf("generate: %w", err), errorsx.ReasonModelUnavailable)
}
