package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/tala/pkg/configutil"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/resilience"
)

const DefaultModel = goopenai.GPT4oMini

// Settings are decoded from model.settings.
type Settings struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

var Schema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "base_url", "max_tokens"},
}

// Adapter talks to any OpenAI-compatible chat completions endpoint.
type Adapter struct {
	client    *goopenai.Client
	model     string
	maxTokens int
}

func NewAdapter(s Settings) *Adapter {
	cfg := goopenai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	return &Adapter{
		client:    goopenai.NewClientWithConfig(cfg),
		model:     configutil.StringValue(s.Model, DefaultModel),
		maxTokens: s.MaxTokens,
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	resp, err := a.client.CreateChatCompletion(ctx, a.request(input))
	if err != nil {
		return llm.Response{}, classify(err)
	}
	return fromResponse(resp)
}

func (a *Adapter) request(input llm.Context) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
	}
	if input.System != "" {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: input.System,
		})
	}
	for _, m := range llm.MergeRoles(input.Messages) {
		role := goopenai.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	req.Tools = MapTools(input.Tools)
	return req
}

// MapTools converts descriptors into function tools.
func MapTools(tools []llm.Tool) []goopenai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]goopenai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Schema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromResponse(resp goopenai.ChatCompletionResponse) (llm.Response, error) {
	if len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices")
	}
	choice := resp.Choices[0]
	out := llm.Response{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return llm.Response{}, errors.New("openai: tool call " + tc.Function.Name + " has invalid arguments")
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return resilience.FromStatus("openai", apiErr.HTTPStatusCode, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return resilience.FromStatus("openai", reqErr.HTTPStatusCode, err)
	}
	return err
}
