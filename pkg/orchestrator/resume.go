package orchestrator

import (
	"strings"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
)

// Resume is the typed token carried by a resubmitted history: the calls the
// previous step left pending and the results the caller produced for them.
type Resume struct {
	Pending []llm.ToolCall
	Results []llm.ToolResult
}

// DecodeHistory parses sentinel lines of wire messages and validates the
// call/result pairing. The returned resume token is non-nil when the history
// ends with tool results.
func DecodeHistory(messages []llm.Message) ([]llm.Message, *Resume, error) {
	if len(messages) == 0 {
		return nil, nil, errorsx.New(errorsx.ReasonInvalidRequest, "messages are required")
	}
	history := make([]llm.Message, 0, len(messages))
	for i, raw := range messages {
		switch raw.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return nil, nil, errorsx.New(errorsx.ReasonInvalidRequest, "message %d: unknown role %q", i, raw.Role)
		}
		m, err := llm.ParseMessage(raw)
		if err != nil {
			return nil, nil, errorsx.New(errorsx.ReasonInvalidRequest, "message %d: %v", i, err)
		}
		history = append(history, m)
	}

	var resume *Resume
	for i, m := range history {
		if m.HasToolCalls() {
			if i+1 >= len(history) || !history[i+1].IsToolResults() {
				return nil, nil, errorsx.New(errorsx.ReasonInvalidRequest,
					"message %d: tool calls must be followed by their TOOL_RESULT message", i)
			}
			continue
		}
		if !m.IsToolResults() {
			continue
		}
		if i == 0 || !history[i-1].HasToolCalls() {
			return nil, nil, errorsx.New(errorsx.ReasonInvalidRequest,
				"message %d: TOOL_RESULT without a preceding TOOL_CALL message", i)
		}
		token, err := pairResults(history[i-1].ToolCalls, m.ToolResults)
		if err != nil {
			return nil, nil, errorsx.New(errorsx.ReasonInvalidRequest, "message %d: %v", i, err)
		}
		history[i] = llm.ToolResultsMessage(token.Results)
		if i == len(history)-1 {
			resume = token
		}
	}

	last := history[len(history)-1]
	if last.Role != llm.RoleUser {
		return nil, nil, errorsx.New(errorsx.ReasonInvalidRequest, "last message must have role user")
	}
	if !last.IsToolResults() && strings.TrimSpace(last.Content) == "" {
		return nil, nil, errorsx.New(errorsx.ReasonInvalidRequest, "last message is empty")
	}
	return history, resume, nil
}

// pairResults matches results to pending calls one-to-one by tool name and
// order, filling call ids and servers the caller left out.
func pairResults(pending []llm.ToolCall, results []llm.ToolResult) (*Resume, error) {
	if len(pending) != len(results) {
		return nil, errorsx.New(errorsx.ReasonInvalidRequest,
			"expected %d tool results, got %d", len(pending), len(results))
	}
	paired := make([]llm.ToolResult, len(results))
	for i, r := range results {
		call := pending[i]
		if r.ToolName != call.Name {
			return nil, errorsx.New(errorsx.ReasonInvalidRequest,
				"result %d is for %q, expected %q", i, r.ToolName, call.Name)
		}
		if r.CallID != "" && call.ID != "" && r.CallID != call.ID {
			return nil, errorsx.New(errorsx.ReasonInvalidRequest,
				"result %d has id %q, expected %q", i, r.CallID, call.ID)
		}
		if r.CallID == "" {
			r.CallID = call.ID
		}
		if r.Server == "" {
			r.Server = call.Server
		}
		paired[i] = r
	}
	return &Resume{Pending: llm.CloneToolCalls(pending), Results: paired}, nil
}

// toolPhases counts result messages after the last natural user message.
func toolPhases(history []llm.Message) int {
	phases := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != llm.RoleUser {
			continue
		}
		if !m.IsToolResults() {
			break
		}
		phases++
	}
	return phases
}
