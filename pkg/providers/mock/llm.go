package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/tala/pkg/llm"
)

// Reply is one scripted model turn.
type Reply struct {
	Text      string
	ToolCalls []llm.ToolCall
	Err       error
}

type LLMConfig struct {
	// Script is consumed in order; the last reply repeats once exhausted.
	Script []Reply
	// ResponseText is used when Script is empty.
	ResponseText string
}

// LLMAdapter replays a script and records every request it receives.
type LLMAdapter struct {
	cfg LLMConfig

	mu     sync.Mutex
	next   int
	inputs []llm.Context
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if len(cfg.Script) == 0 && cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

// Scripted is shorthand for a script-only adapter.
func Scripted(replies ...Reply) *LLMAdapter {
	return NewLLMAdapter(LLMConfig{Script: replies})
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, llm.Context{
		System:   input.System,
		Messages: llm.CloneMessages(input.Messages),
		Tools:    append([]llm.Tool(nil), input.Tools...),
	})
	reply := Reply{Text: a.cfg.ResponseText}
	if len(a.cfg.Script) > 0 {
		idx := a.next
		if idx >= len(a.cfg.Script) {
			idx = len(a.cfg.Script) - 1
		}
		reply = a.cfg.Script[idx]
		a.next++
	}
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	if reply.Err != nil {
		return llm.Response{}, reply.Err
	}
	finish := "stop"
	if len(reply.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return llm.Response{
		Text:         reply.Text,
		ToolCalls:    llm.CloneToolCalls(reply.ToolCalls),
		FinishReason: finish,
	}, nil
}

// Calls returns how many times Generate ran.
func (a *LLMAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inputs)
}

// Inputs returns copies of the received requests.
func (a *LLMAdapter) Inputs() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.inputs...)
}
