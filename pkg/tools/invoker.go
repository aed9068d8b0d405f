package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/logging"
	"github.com/harunnryd/tala/pkg/mcp"
	"github.com/harunnryd/tala/pkg/metrics"
	"github.com/harunnryd/tala/pkg/redact"
)

const DefaultTimeout = 6 * time.Second

// Catalog resolves tool names. *mcp.Registry satisfies it.
type Catalog interface {
	Lookup(name string) (mcp.Capability, bool)
}

// Invoker executes tool calls against a catalog. Every outcome, including
// unknown tools, errors and timeouts, becomes a ToolResult.
type Invoker struct {
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer metrics.Observer
}

func NewInvoker(timeout time.Duration, logger *slog.Logger, obs metrics.Observer) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Invoker{
		Timeout:  timeout,
		Logger:   logging.NewComponentLogger(logger, "tools"),
		Observer: metrics.OrNoop(obs),
	}
}

// Invoke runs one call. It never returns an error.
func (inv *Invoker) Invoke(ctx context.Context, catalog Catalog, call llm.ToolCall) llm.ToolResult {
	start := time.Now()
	res := inv.invoke(ctx, catalog, call)
	inv.record(ctx, call, res, start)
	return res
}

// InvokeAll runs calls concurrently, waits for all of them and returns
// results in request order.
func (inv *Invoker) InvokeAll(ctx context.Context, catalog Catalog, calls []llm.ToolCall) []llm.ToolResult {
	if len(calls) == 0 {
		return nil
	}
	mapper := iter.Mapper[llm.ToolCall, llm.ToolResult]{MaxGoroutines: len(calls)}
	return mapper.Map(calls, func(call *llm.ToolCall) llm.ToolResult {
		return inv.Invoke(ctx, catalog, *call)
	})
}

func (inv *Invoker) invoke(ctx context.Context, catalog Catalog, call llm.ToolCall) llm.ToolResult {
	capability, ok := catalog.Lookup(call.Name)
	if !ok {
		return llm.Failure(call, string(errorsx.ReasonToolNotFound), fmt.Sprintf("Tool %q not found", call.Name))
	}
	if call.Server == "" {
		call.Server = capability.Descriptor().ServerID
	}
	if err := ctx.Err(); err != nil {
		return llm.Failure(call, string(errorsx.ReasonToolExecutionError), fmt.Sprintf("tool %q canceled: %v", call.Name, err))
	}

	timeout := inv.timeout()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		data, err := capability.Invoke(callCtx, call.Arguments)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return llm.Failure(call, string(errorsx.ReasonToolExecutionError), out.err.Error())
		}
		return llm.Success(call, out.data)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return llm.Failure(call, string(errorsx.ReasonToolExecutionError), fmt.Sprintf("tool %q canceled: %v", call.Name, ctx.Err()))
		}
		return llm.Failure(call, string(errorsx.ReasonToolExecutionError), fmt.Sprintf("tool %q timed out after %s", call.Name, timeout))
	}
}

func (inv *Invoker) timeout() time.Duration {
	if inv.Timeout <= 0 {
		return DefaultTimeout
	}
	return inv.Timeout
}

func (inv *Invoker) record(ctx context.Context, call llm.ToolCall, res llm.ToolResult, start time.Time) {
	elapsed := metrics.Since(start)
	logger := inv.Logger
	if logger == nil {
		logger = logging.NewComponentLogger(nil, "tools")
	}
	attrs := []any{
		"tool_name", call.Name,
		"call_id", call.ID,
		"server", res.Server,
		"status", string(res.Status),
		"latency_ms", elapsed,
	}
	if res.OK() {
		logger.Debug("tool_invoked", append(attrs, "arguments", redact.Arguments(call.Arguments))...)
	} else {
		logger.Warn("tool_invoked", append(attrs, "reason", res.Reason, "error", redact.Text(res.Message))...)
	}
	metrics.OrNoop(inv.Observer).RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventToolInvoked,
		Time:  time.Now(),
		Value: elapsed,
		Tags: metrics.RunTags(ctx, map[string]string{
			"component": "tools",
			"tool_name": call.Name,
			"status":    string(res.Status),
		}),
		Fields: map[string]any{"call_id": call.ID, "reason": res.Reason},
	})
}
