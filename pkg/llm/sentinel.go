package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel prefixes of the line protocol used by the client-visible loop.
const (
	ToolCallPrefix   = "TOOL_CALL:"
	ToolResultPrefix = "TOOL_RESULT:"
)

// EncodeToolCalls renders one TOOL_CALL line per call, in order.
func EncodeToolCalls(calls []ToolCall) string {
	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		lines = append(lines, ToolCallPrefix+compactJSON(c))
	}
	return strings.Join(lines, "\n")
}

// EncodeToolResults renders one TOOL_RESULT line per result, in order.
func EncodeToolResults(results []ToolResult) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, ToolResultPrefix+compactJSON(r))
	}
	return strings.Join(lines, "\n")
}

// ExtractToolCalls pulls TOOL_CALL lines out of model text. Lines that do not
// decode are left in the text.
func ExtractToolCalls(text string) (string, []ToolCall) {
	if !strings.Contains(text, ToolCallPrefix) {
		return text, nil
	}
	var calls []ToolCall
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, ToolCallPrefix) {
			kept = append(kept, line)
			continue
		}
		call, err := decodeToolCall(strings.TrimPrefix(trimmed, ToolCallPrefix))
		if err != nil {
			kept = append(kept, line)
			continue
		}
		calls = append(calls, call)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), calls
}

// ParseMessage decodes sentinel lines of an inbound message into ToolCalls
// (assistant) or ToolResults (user). Malformed sentinel lines are an error.
func ParseMessage(m Message) (Message, error) {
	switch m.Role {
	case RoleAssistant:
		if !strings.Contains(m.Content, ToolCallPrefix) {
			return m, nil
		}
		var kept []string
		var calls []ToolCall
		for i, line := range strings.Split(m.Content, "\n") {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, ToolCallPrefix) {
				kept = append(kept, line)
				continue
			}
			call, err := decodeToolCall(strings.TrimPrefix(trimmed, ToolCallPrefix))
			if err != nil {
				return m, fmt.Errorf("line %d: %w", i+1, err)
			}
			calls = append(calls, call)
		}
		if len(calls) == 0 {
			return m, nil
		}
		return AssistantToolMessage(strings.TrimSpace(strings.Join(kept, "\n")), calls), nil
	case RoleUser:
		if !strings.Contains(m.Content, ToolResultPrefix) {
			return m, nil
		}
		var results []ToolResult
		for i, line := range strings.Split(m.Content, "\n") {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, ToolResultPrefix) {
				continue
			}
			res, err := decodeToolResult(strings.TrimPrefix(trimmed, ToolResultPrefix))
			if err != nil {
				return m, fmt.Errorf("line %d: %w", i+1, err)
			}
			results = append(results, res)
		}
		if len(results) == 0 {
			return m, nil
		}
		return ToolResultsMessage(results), nil
	default:
		return m, nil
	}
}

func decodeToolCall(raw string) (ToolCall, error) {
	var call ToolCall
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &call); err != nil {
		return ToolCall{}, fmt.Errorf("decode tool call: %w", err)
	}
	if strings.TrimSpace(call.Name) == "" {
		return ToolCall{}, fmt.Errorf("decode tool call: toolName is required")
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return call, nil
}

func decodeToolResult(raw string) (ToolResult, error) {
	var res ToolResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &res); err != nil {
		return ToolResult{}, fmt.Errorf("decode tool result: %w", err)
	}
	if strings.TrimSpace(res.ToolName) == "" {
		return ToolResult{}, fmt.Errorf("decode tool result: toolName is required")
	}
	switch res.Status {
	case StatusOK, StatusError:
	case "":
		res.Status = StatusOK
	default:
		return ToolResult{}, fmt.Errorf("decode tool result: unknown status %q", res.Status)
	}
	return res, nil
}

func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimSpace(buf.String())
}
