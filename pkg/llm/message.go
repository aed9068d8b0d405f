package llm

import "strings"

// Message is one entry of the conversation. On the wire only Role and
// Content travel; ToolCalls and ToolResults are decoded from sentinel lines.
type Message struct {
	Role        Role         `json:"role" validate:"required,oneof=system user assistant"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"-"`
	ToolResults []ToolResult `json:"-"`
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// AssistantToolMessage keeps the model's text next to the calls it requested.
func AssistantToolMessage(text string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: CloneToolCalls(calls)}
}

// ToolResultsMessage is the synthetic user turn that carries every result of
// one tool phase, in request order.
func ToolResultsMessage(results []ToolResult) Message {
	cloned := append([]ToolResult(nil), results...)
	return Message{Role: RoleUser, Content: EncodeToolResults(cloned), ToolResults: cloned}
}

func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

func (m Message) IsToolResults() bool { return m.Role == RoleUser && len(m.ToolResults) > 0 }

// PromptText renders the message the way a provider should see it.
func (m Message) PromptText() string {
	if m.IsToolResults() {
		return EncodeToolResults(m.ToolResults)
	}
	if !m.HasToolCalls() {
		return m.Content
	}
	calls := EncodeToolCalls(m.ToolCalls)
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return calls
	}
	return text + "\n" + calls
}

// WireContent is the content sent back to clients of the client-visible loop.
func (m Message) WireContent() string {
	return m.PromptText()
}

func CloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = c
		if c.Arguments != nil {
			args := make(map[string]any, len(c.Arguments))
			for k, v := range c.Arguments {
				args[k] = v
			}
			out[i].Arguments = args
		}
	}
	return out
}

func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		out[i].ToolCalls = CloneToolCalls(m.ToolCalls)
		if m.ToolResults != nil {
			out[i].ToolResults = append([]ToolResult(nil), m.ToolResults...)
		}
	}
	return out
}

// MergeRoles renders messages with PromptText and joins consecutive
// messages of the same role. System messages and empty messages are dropped.
func MergeRoles(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			continue
		}
		text := strings.TrimSpace(m.PromptText())
		if text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + text
			continue
		}
		out = append(out, Message{Role: m.Role, Content: text})
	}
	return out
}
