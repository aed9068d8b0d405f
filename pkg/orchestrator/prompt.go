package orchestrator

import (
	"strings"

	"github.com/harunnryd/tala/pkg/llm"
)

// DefaultSystemPrompt is the voice persona used when none is configured.
const DefaultSystemPrompt = "You are a voice assistant. Your replies are read aloud, so answer in a few short spoken sentences " +
	"with no markdown, lists, links or emoji. Use a tool only when the question needs fresh or private data. " +
	"If your runtime cannot call functions natively, request a tool by replying ONLY with one line per call, " +
	"starting with 'TOOL_CALL:' followed by JSON {\"toolName\": ..., \"server\": ..., \"arguments\": {...}}. " +
	"Tool outcomes come back as lines starting with 'TOOL_RESULT:'. After reading them, give one final answer " +
	"unless another tool is strictly required. Never add commentary around TOOL_CALL or TOOL_RESULT lines."

// splitSystem moves system-role history messages into the system prompt.
func splitSystem(base string, history []llm.Message) (string, []llm.Message) {
	parts := []string{base}
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			if text := strings.TrimSpace(m.Content); text != "" {
				parts = append(parts, text)
			}
			continue
		}
		out = append(out, m)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n")), out
}
