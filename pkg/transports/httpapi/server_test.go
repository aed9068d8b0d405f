package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/mcp"
	"github.com/harunnryd/tala/pkg/orchestrator"
	"github.com/harunnryd/tala/pkg/providers/mock"
	"github.com/harunnryd/tala/pkg/session"
	"github.com/harunnryd/tala/pkg/speech"
	"github.com/harunnryd/tala/pkg/tools"
)

type fakeSource struct {
	mu         sync.Mutex
	err        error
	registries []*mcp.Registry
}

func (f *fakeSource) Acquire(ctx context.Context) (*mcp.Registry, error) {
	return f.AcquireOne(ctx, "")
}

func (f *fakeSource) AcquireOne(_ context.Context, id string) (*mcp.Registry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if id != "" && id != "perplexity" {
		return nil, errorsx.New(errorsx.ReasonInvalidRequest, "unknown tool server %q", id)
	}
	search := mcp.NewLocalTool("search", "web search", nil, func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"answer": "sunny", "query": args["query"]}, nil
	})
	reg, err := mcp.NewRegistry(mcp.NewLocalServer("perplexity", search))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.registries = append(f.registries, reg)
	f.mu.Unlock()
	return reg, nil
}

func (f *fakeSource) allClosed(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.registries) == 0 {
		t.Fatalf("expected at least one registry")
	}
	for i, reg := range f.registries {
		if !reg.Closed() {
			t.Fatalf("registry %d left open", i)
		}
	}
}

func newTestServer(mode orchestrator.Mode, adapter llm.Adapter, source mcp.Source) *Server {
	invoker := tools.NewInvoker(time.Second, nil, nil)
	engine := orchestrator.NewTurnEngine(adapter, "", nil, nil)
	loop := orchestrator.NewLoop(engine, source, invoker, orchestrator.Options{})
	return New(Config{Mode: mode, DrainGrace: 10 * time.Millisecond}, Deps{
		Loop:     loop,
		Source:   source,
		Invoker:  invoker,
		Shaper:   speech.NewShaper(speech.Config{}),
		Sessions: session.NewRegistry(),
	})
}

func searchThenAnswer() *mock.LLMAdapter {
	return mock.Scripted(
		mock.Reply{ToolCalls: []llm.ToolCall{{Name: "search", Arguments: map[string]any{"query": "weather"}}}},
		mock.Reply{Text: "It is **sunny** today. Enjoy it!"},
	)
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func userTurn(text string) map[string]any {
	return map[string]any{"messages": []map[string]string{{"role": "user", "content": text}}}
}

func TestConversationServerMode(t *testing.T) {
	source := &fakeSource{}
	s := newTestServer(orchestrator.ModeServer, searchThenAnswer(), source)

	w := post(t, s.Handler(), "/conversation", userTurn("what's the weather?"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["text"] != "It is **sunny** today. Enjoy it!" {
		t.Fatalf("unexpected text: %v", body["text"])
	}
	if body["speech"] != "It is sunny today. Enjoy it!" {
		t.Fatalf("unexpected speech: %v", body["speech"])
	}
	if body["turns"] != float64(2) || body["toolPhases"] != float64(1) || body["limitExceeded"] != false {
		t.Fatalf("unexpected counters: %v", body)
	}
	results := body["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["status"] != "ok" {
		t.Fatalf("unexpected results: %v", results)
	}
	if body["runId"] == "" {
		t.Fatalf("expected run id")
	}
	source.allClosed(t)
	if s.deps.Sessions.Count() != 0 {
		t.Fatalf("expected run to be released")
	}
}

func TestConversationClientMode(t *testing.T) {
	source := &fakeSource{}
	s := newTestServer(orchestrator.ModeClient, searchThenAnswer(), source)

	w := post(t, s.Handler(), "/conversation", userTurn("what's the weather?"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var first clientResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Done || len(first.ToolCalls) != 1 || first.Speech != "" {
		t.Fatalf("expected pending call, got %+v", first)
	}
	if first.Message.Role != llm.RoleAssistant || !strings.HasPrefix(first.Message.Content, llm.ToolCallPrefix) {
		t.Fatalf("expected TOOL_CALL message, got %+v", first.Message)
	}

	pending := first.ToolCalls[0]
	result := llm.ToolResultsMessage([]llm.ToolResult{llm.Success(pending, map[string]any{"answer": "sunny"})})
	w = post(t, s.Handler(), "/conversation", map[string]any{"messages": []wireMessage{
		{Role: llm.RoleUser, Content: "what's the weather?"},
		{Role: first.Message.Role, Content: first.Message.Content},
		{Role: llm.RoleUser, Content: result.Content},
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var second clientResponse
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.Done || second.Text != "It is **sunny** today. Enjoy it!" || second.Speech != "It is sunny today. Enjoy it!" {
		t.Fatalf("unexpected final step: %+v", second)
	}
	if second.ToolPhases != 1 || len(second.ToolCalls) != 0 {
		t.Fatalf("unexpected counters: %+v", second)
	}
	source.allClosed(t)
}

func TestConversationRejectsBadBodies(t *testing.T) {
	s := newTestServer(orchestrator.ModeServer, mock.Scripted(mock.Reply{Text: "hi"}), &fakeSource{})
	cases := map[string]any{
		"empty":      "",
		"not json":   "{",
		"no message": map[string]any{"messages": []any{}},
		"bad role":   map[string]any{"messages": []map[string]string{{"role": "tool", "content": "x"}}},
		"last not user": map[string]any{"messages": []map[string]string{
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"},
		}},
	}
	for name, body := range cases {
		w := post(t, s.Handler(), "/conversation", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", name, w.Code, w.Body.String())
		}
		if kind := decodeBody(t, w)["kind"]; kind != string(errorsx.ReasonInvalidRequest) {
			t.Fatalf("%s: unexpected kind %v", name, kind)
		}
	}
}

func TestConversationRegistryUnavailable(t *testing.T) {
	adapter := mock.Scripted(mock.Reply{Text: "hi"})
	source := &fakeSource{err: errorsx.New(errorsx.ReasonRegistryUnavailable, "connect perplexity: refused")}
	s := newTestServer(orchestrator.ModeServer, adapter, source)

	w := post(t, s.Handler(), "/conversation", userTurn("hello"))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if kind := decodeBody(t, w)["kind"]; kind != string(errorsx.ReasonRegistryUnavailable) {
		t.Fatalf("unexpected kind %v", kind)
	}
	if adapter.Calls() != 0 {
		t.Fatalf("expected no model call without tools")
	}
}

func TestConversationModelUnavailable(t *testing.T) {
	adapter := mock.Scripted(mock.Reply{Err: context.DeadlineExceeded})
	s := newTestServer(orchestrator.ModeServer, adapter, &fakeSource{})
	w := post(t, s.Handler(), "/conversation", userTurn("hello"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if kind := decodeBody(t, w)["kind"]; kind != string(errorsx.ReasonModelUnavailable) {
		t.Fatalf("unexpected kind %v", kind)
	}
}

func TestExecuteTool(t *testing.T) {
	source := &fakeSource{}
	s := newTestServer(orchestrator.ModeServer, mock.Scripted(), source)

	w := post(t, s.Handler(), "/tools/execute", map[string]any{
		"toolName":  "search",
		"server":    "perplexity",
		"arguments": map[string]any{"query": "weather"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" || body["toolName"] != "search" || body["server"] != "perplexity" {
		t.Fatalf("unexpected body: %v", body)
	}
	data := body["data"].(map[string]any)
	if data["answer"] != "sunny" || data["query"] != "weather" {
		t.Fatalf("unexpected data: %v", data)
	}
	source.allClosed(t)
}

func TestExecuteToolErrors(t *testing.T) {
	source := &fakeSource{}
	s := newTestServer(orchestrator.ModeServer, mock.Scripted(), source)

	w := post(t, s.Handler(), "/tools/execute", map[string]any{"toolName": "nope", "arguments": map[string]any{}})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "error" || body["message"] != `Tool "nope" not found` {
		t.Fatalf("unexpected body: %v", body)
	}

	w = post(t, s.Handler(), "/tools/execute", map[string]any{"toolName": "search"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing arguments, got %d", w.Code)
	}
	if msg := decodeBody(t, w)["error"]; msg != "Missing tool name or arguments" {
		t.Fatalf("unexpected message %v", msg)
	}

	w = post(t, s.Handler(), "/tools/execute", map[string]any{"toolName": "search", "server": "budget", "arguments": map[string]any{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown server, got %d", w.Code)
	}
	source.allClosed(t)

	failing := newTestServer(orchestrator.ModeServer, mock.Scripted(), &fakeSource{
		err: errorsx.New(errorsx.ReasonRegistryUnavailable, "connect: refused"),
	})
	w = post(t, failing.Handler(), "/tools/execute", map[string]any{"toolName": "search", "arguments": map[string]any{}})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unreachable server, got %d", w.Code)
	}
	if kind := decodeBody(t, w)["kind"]; kind != string(errorsx.ReasonRegistryUnavailable) {
		t.Fatalf("unexpected kind %v", kind)
	}
}

func TestHealthAndDrain(t *testing.T) {
	s := newTestServer(orchestrator.ModeClient, mock.Scripted(), &fakeSource{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || decodeBody(t, w)["mode"] != "client" {
		t.Fatalf("unexpected health: %d %s", w.Code, w.Body.String())
	}

	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", w.Code)
	}
	w = post(t, s.Handler(), "/conversation", userTurn("hello"))
	if w.Code != http.StatusServiceUnavailable || decodeBody(t, w)["kind"] != "draining" {
		t.Fatalf("expected draining rejection, got %d %s", w.Code, w.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(orchestrator.ModeServer, mock.Scripted(), &fakeSource{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/conversation", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := New(Config{AllowedOrigins: []string{"https://app.example.com", "localhost:3000"}}, Deps{})
	cases := map[string]bool{
		"":                         true,
		"https://app.example.com":  true,
		"http://localhost:3000":    true,
		"https://evil.example.com": false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/conversation/stream", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := s.checkOrigin(req); got != want {
			t.Fatalf("origin %q: expected %v, got %v", origin, want, got)
		}
	}
}

func TestStreamEmitsRunEvents(t *testing.T) {
	source := &fakeSource{}
	s := newTestServer(orchestrator.ModeServer, searchThenAnswer(), source)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/conversation/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(userTurn("what's the weather?")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var types []string
	var final streamEvent
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev streamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		types = append(types, ev.Type)
		if ev.Type == EventFinal {
			final = ev
		}
	}
	joined := strings.Join(types, ",")
	for _, want := range []string{EventState, EventToolCall, EventToolResult, EventFinal} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %s event, got %s", want, joined)
		}
	}
	if types[len(types)-1] != EventFinal {
		t.Fatalf("expected final event last, got %s", joined)
	}
	if final.Speech != "It is sunny today. Enjoy it!" || final.Turns != 2 || final.ToolPhases != 1 {
		t.Fatalf("unexpected final event: %+v", final)
	}
	source.allClosed(t)
}

func TestStreamRejectsInvalidRequest(t *testing.T) {
	s := newTestServer(orchestrator.ModeServer, mock.Scripted(), &fakeSource{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/conversation/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]any{"messages": []any{}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ev streamEvent
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventError || ev.Kind != string(errorsx.ReasonInvalidRequest) {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
