package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Tool describes one callable tool exposed by a tool server.
type Tool struct {
	Name        string
	Description string
	ServerID    string
	Schema      any
}

type Context struct {
	System   string
	Messages []Message
	Tools    []Tool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall
}

// Adapter is a single blocking completion against a model provider.
type Adapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Name() string
}

type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"toolName"`
	Server    string         `json:"server,omitempty"`
	Arguments map[string]any `json:"arguments"`
}

type ResultStatus string

const (
	StatusOK    ResultStatus = "ok"
	StatusError ResultStatus = "error"
)

// ToolResult is the normalized outcome of one ToolCall.
// Status ok carries Data, status error carries Message.
type ToolResult struct {
	CallID   string       `json:"id,omitempty"`
	ToolName string       `json:"toolName"`
	Server   string       `json:"server,omitempty"`
	Status   ResultStatus `json:"status"`
	Data     any          `json:"data,omitempty"`
	Message  string       `json:"message,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

func (r ToolResult) OK() bool { return r.Status == StatusOK }

func Success(call ToolCall, data any) ToolResult {
	return ToolResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Server:   call.Server,
		Status:   StatusOK,
		Data:     data,
	}
}

func Failure(call ToolCall, reason, message string) ToolResult {
	return ToolResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Server:   call.Server,
		Status:   StatusError,
		Message:  message,
		Reason:   reason,
	}
}
