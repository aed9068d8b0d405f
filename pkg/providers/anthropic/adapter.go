package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harunnryd/tala/pkg/configutil"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/resilience"
)

const (
	DefaultModel     = "claude-3-5-haiku-latest"
	DefaultMaxTokens = 1024
)

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

// Adapter calls the Messages API.
type Adapter struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

func NewAdapter(s Settings, opts ...option.RequestOption) *Adapter {
	reqOpts := []option.RequestOption{option.WithAPIKey(s.APIKey), option.WithMaxRetries(0)}
	if s.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Adapter{
		client:    sdk.NewClient(reqOpts...),
		model:     configutil.StringValue(s.Model, DefaultModel),
		maxTokens: int64(maxTokens),
	}
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	msg, err := a.client.Messages.New(ctx, a.params(input))
	if err != nil {
		return llm.Response{}, classify(err)
	}
	return fromMessage(msg), nil
}

func (a *Adapter) params(input llm.Context) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  toMessages(input.Messages),
		Tools:     MapTools(input.Tools),
	}
	if input.System != "" {
		params.System = []sdk.TextBlockParam{{Text: input.System}}
	}
	return params
}

// toMessages keeps the strict user/assistant alternation the API expects;
// a leading assistant greeting is dropped.
func toMessages(messages []llm.Message) []sdk.MessageParam {
	merged := llm.MergeRoles(messages)
	for len(merged) > 0 && merged[0].Role != llm.RoleUser {
		merged = merged[1:]
	}
	out := make([]sdk.MessageParam, 0, len(merged))
	for _, m := range merged {
		if m.Role == llm.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
			continue
		}
		out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
	}
	return out
}

// MapTools converts descriptors into tool params, splitting the JSON schema
// into properties and required keys.
func MapTools(tools []llm.Tool) []sdk.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := schemaMap(t.Schema)
		input := sdk.ToolInputSchemaParam{Properties: schema["properties"]}
		if input.Properties == nil {
			input.Properties = map[string]any{}
		}
		if req, ok := schema["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					input.Required = append(input.Required, s)
				}
			}
		}
		if req, ok := schema["required"].([]string); ok {
			input.Required = append(input.Required, req...)
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &sdk.ToolParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			InputSchema: input,
		}})
	}
	return out
}

// schemaMap normalizes any schema value into a generic map.
func schemaMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	if schema == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func fromMessage(msg *sdk.Message) llm.Response {
	out := llm.Response{
		FinishReason: string(msg.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	var texts []string
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			texts = append(texts, v.Text)
		case sdk.ToolUseBlock:
			args := map[string]any{}
			if raw := v.JSON.Input.Raw(); raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: v.ID, Name: v.Name, Arguments: args})
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return resilience.FromStatus("anthropic", apiErr.StatusCode, err)
	}
	return err
}
