package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/mcp"
	"github.com/harunnryd/tala/pkg/tools"
)

// fakeSource hands out a fresh registry over the same local tools and
// remembers every registry it produced.
type fakeSource struct {
	mu         sync.Mutex
	tools      []mcp.LocalTool
	err        error
	registries []*mcp.Registry
}

func (f *fakeSource) Acquire(ctx context.Context) (*mcp.Registry, error) {
	return f.AcquireOne(ctx, "")
}

func (f *fakeSource) AcquireOne(context.Context, string) (*mcp.Registry, error) {
	if f.err != nil {
		return nil, f.err
	}
	reg, err := mcp.NewRegistry(mcp.NewLocalServer("local", f.tools...))
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
	for i, reg := range f.registries {
		if !reg.Closed() {
			t.Fatalf("registry %d left open", i)
		}
	}
}

func staticTool(name string, data any) mcp.LocalTool {
	return mcp.NewLocalTool(name, name+" tool", nil, func(context.Context, map[string]any) (any, error) {
		return data, nil
	})
}

func newTestLoop(adapter llm.Adapter, source mcp.Source, opts Options) *Loop {
	engine := NewTurnEngine(adapter, "", nil, nil)
	return NewLoop(engine, source, tools.NewInvoker(time.Second, nil, nil), opts)
}

func call(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{Name: name, Arguments: args}
}

type recordingListener struct {
	mu      sync.Mutex
	changes []StateChange
	calls   int
	results int
}

func (r *recordingListener) OnStateChange(ev StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, ev)
	r.mu.Unlock()
}

func (r *recordingListener) OnToolCalls(string, []llm.ToolCall) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *recordingListener) OnToolResults(string, []llm.ToolResult) {
	r.mu.Lock()
	r.results++
	r.mu.Unlock()
}

