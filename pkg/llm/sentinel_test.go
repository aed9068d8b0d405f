package llm

import (
	"strings"
	"testing"
)

func TestEncodeToolCallsOneLinePerCall(t *testing.T) {
	out := EncodeToolCalls([]ToolCall{
		{Name: "search", Server: "perplexity", Arguments: map[string]any{"q": "a<b"}},
		{Name: "budget"},
	})
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	if lines[0] != `TOOL_CALL:{"toolName":"search","server":"perplexity","arguments":{"q":"a<b"}}` {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if lines[1] != `TOOL_CALL:{"toolName":"budget","arguments":{}}` {
		t.Fatalf("unexpected second line %q", lines[1])
	}
}

func TestExtractToolCallsKeepsInvalidLines(t *testing.T) {
	text := "Sure.\nTOOL_CALL:{\"toolName\":\"search\",\"arguments\":{\"q\":\"x\"}}\nTOOL_CALL:{broken"
	rest, calls := ExtractToolCalls(text)
	if len(calls) != 1 || calls[0].Name != "search" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if rest != "Sure.\nTOOL_CALL:{broken" {
		t.Fatalf("unexpected remaining text %q", rest)
	}
	if rest, calls := ExtractToolCalls("plain"); rest != "plain" || calls != nil {
		t.Fatalf("plain text must pass through")
	}
}

func TestParseMessageRoundTrip(t *testing.T) {
	calls := []ToolCall{{ID: "c1", Name: "search", Arguments: map[string]any{"q": "x"}}}
	assistant := AssistantToolMessage("Checking.", calls)
	parsed, err := ParseMessage(Message{Role: RoleAssistant, Content: assistant.WireContent()})
	if err != nil {
		t.Fatalf("parse assistant: %v", err)
	}
	if parsed.Content != "Checking." || len(parsed.ToolCalls) != 1 || parsed.ToolCalls[0].ID != "c1" {
		t.Fatalf("unexpected assistant %+v", parsed)
	}

	results := ToolResultsMessage([]ToolResult{Success(calls[0], map[string]any{"n": 1.0}), Failure(calls[0], "tool_execution_error", "boom")})
	parsed, err = ParseMessage(Message{Role: RoleUser, Content: results.WireContent()})
	if err != nil {
		t.Fatalf("parse results: %v", err)
	}
	if !parsed.IsToolResults() || len(parsed.ToolResults) != 2 {
		t.Fatalf("unexpected results %+v", parsed)
	}
	if !parsed.ToolResults[0].OK() || parsed.ToolResults[1].Message != "boom" {
		t.Fatalf("unexpected decoded results %+v", parsed.ToolResults)
	}
}

func TestParseMessageErrors(t *testing.T) {
	cases := []Message{
		{Role: RoleAssistant, Content: "TOOL_CALL:{\"arguments\":{}}"},
		{Role: RoleUser, Content: "TOOL_RESULT:{\"toolName\":\"x\",\"status\":\"maybe\"}"},
		{Role: RoleUser, Content: "TOOL_RESULT:nope"},
	}
	for i, m := range cases {
		if _, err := ParseMessage(m); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestParseMessageIgnoresMentions(t *testing.T) {
	m := UserMessage("what does TOOL_RESULT: mean?")
	parsed, err := ParseMessage(m)
	if err != nil || parsed.IsToolResults() || parsed.Content != m.Content {
		t.Fatalf("expected untouched message, got %+v (%v)", parsed, err)
	}
}

func TestDecodeToolResultDefaultsStatus(t *testing.T) {
	res, err := decodeToolResult(`{"toolName":"search","data":"x"}`)
	if err != nil || res.Status != StatusOK {
		t.Fatalf("expected ok status, got %+v (%v)", res, err)
	}
}

func TestMergeRoles(t *testing.T) {
	call := ToolCall{ID: "c1", Name: "search", Arguments: map[string]any{}}
	merged := MergeRoles([]Message{
		SystemMessage("ignored"),
		UserMessage("hi"),
		UserMessage("again"),
		AssistantToolMessage("", []ToolCall{call}),
		ToolResultsMessage([]ToolResult{Success(call, "x")}),
		AssistantMessage("  "),
	})
	if len(merged) != 3 {
		t.Fatalf("expected 3 messages, got %+v", merged)
	}
	if merged[0].Content != "hi\n\nagain" {
		t.Fatalf("unexpected merge %q", merged[0].Content)
	}
	if !strings.HasPrefix(merged[1].Content, ToolCallPrefix) || !strings.HasPrefix(merged[2].Content, ToolResultPrefix) {
		t.Fatalf("expected sentinel text, got %+v", merged)
	}
}
