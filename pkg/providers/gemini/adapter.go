package gemini

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/harunnryd/tala/pkg/configutil"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/resilience"
)

const DefaultModel = "gemini-2.5-flash"

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

// Adapter calls the Gemini API through the genai SDK.
type Adapter struct {
	client    *genai.Client
	model     string
	maxTokens int
}

func NewAdapter(ctx context.Context, s Settings) (*Adapter, error) {
	cfg := &genai.ClientConfig{APIKey: s.APIKey, Backend: genai.BackendGeminiAPI}
	if s.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: s.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client:    client,
		model:     configutil.StringValue(s.Model, DefaultModel),
		maxTokens: s.MaxTokens,
	}, nil
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	resp, err := a.client.Models.GenerateContent(ctx, a.model, toContents(input.Messages), a.config(input))
	if err != nil {
		return llm.Response{}, classify(err)
	}
	return fromResponse(resp)
}

func (a *Adapter) config(input llm.Context) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if input.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(input.System, genai.RoleUser)
	}
	if a.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(a.maxTokens)
	}
	if decls := MapTools(input.Tools); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// MapTools converts descriptors into function declarations. MCP schemas are
// passed through as JSON schema.
func MapTools(tools []llm.Tool) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}
	return out
}

func toContents(messages []llm.Message) []*genai.Content {
	merged := llm.MergeRoles(messages)
	out := make([]*genai.Content, 0, len(merged))
	for _, m := range merged {
		var role genai.Role = genai.RoleUser
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}

func fromResponse(resp *genai.GenerateContentResponse) (llm.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.Response{}, errors.New("gemini: empty response")
	}
	cand := resp.Candidates[0]
	out := llm.Response{FinishReason: string(cand.FinishReason)}
	var texts []string
	for _, part := range cand.Content.Parts {
		if part == nil {
			continue
		}
		if part.FunctionCall != nil {
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:        part.FunctionCall.ID,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
			continue
		}
		if part.Text != "" && !part.Thought {
			texts = append(texts, part.Text)
		}
	}
	out.Text = strings.Join(texts, "")
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return resilience.FromStatus("gemini", apiErr.Code, err)
	}
	return err
}
