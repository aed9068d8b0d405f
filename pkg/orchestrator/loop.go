package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/logging"
	"github.com/harunnryd/tala/pkg/mcp"
	"github.com/harunnryd/tala/pkg/metrics"
	"github.com/harunnryd/tala/pkg/tools"
)

const (
	DefaultMaxRoundTrips = 2
	DefaultFallbackText  = "Sorry, I couldn't finish that just now. Could you ask again?"
)

// Mode selects the wire shape of the loop.
type Mode string

const (
	ModeServer Mode = "server"
	ModeClient Mode = "client"
)

// Options configures a Loop.
type Options struct {
	MaxRoundTrips int
	FallbackText  string
	Logger        *slog.Logger
	Observer      metrics.Observer
	Listeners     []StateListener
}

// Loop sequences model turns and tool phases. It is stateless between runs.
type Loop struct {
	engine    *TurnEngine
	source    mcp.Source
	invoker   *tools.Invoker
	maxTrips  int
	fallback  string
	logger    *slog.Logger
	observer  metrics.Observer
	listeners []StateListener
}

func NewLoop(engine *TurnEngine, source mcp.Source, invoker *tools.Invoker, opts Options) *Loop {
	if opts.MaxRoundTrips <= 0 {
		opts.MaxRoundTrips = DefaultMaxRoundTrips
	}
	if strings.TrimSpace(opts.FallbackText) == "" {
		opts.FallbackText = DefaultFallbackText
	}
	if invoker == nil {
		invoker = tools.NewInvoker(0, opts.Logger, opts.Observer)
	}
	return &Loop{
		engine:    engine,
		source:    source,
		invoker:   invoker,
		maxTrips:  opts.MaxRoundTrips,
		fallback:  opts.FallbackText,
		logger:    logging.NewComponentLogger(opts.Logger, "orchestrator"),
		observer:  metrics.OrNoop(opts.Observer),
		listeners: opts.Listeners,
	}
}

// MaxRoundTrips returns the tool phase bound.
func (l *Loop) MaxRoundTrips() int { return l.maxTrips }

// RunOption customizes a single run.
type RunOption func(*runSettings)

type runSettings struct {
	runID     string
	listeners []StateListener
}

// WithListener adds a listener for one run only.
func WithListener(listener StateListener) RunOption {
	return func(s *runSettings) { s.listeners = append(s.listeners, listener) }
}

// WithRunID pins the run id instead of generating one.
func WithRunID(id string) RunOption {
	return func(s *runSettings) { s.runID = id }
}

func (l *Loop) settings(opts []RunOption) runSettings {
	s := runSettings{listeners: append([]StateListener(nil), l.listeners...)}
	for _, opt := range opts {
		opt(&s)
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	return s
}

// Result is the outcome of a server-resident run.
type Result struct {
	RunID         string
	Text          string
	Messages      []llm.Message
	ToolCalls     []llm.ToolCall
	Results       []llm.ToolResult
	Turns         int
	ToolPhases    int
	LimitExceeded bool
	Usage         llm.Usage
}

// Run drives the state machine to DONE inside one call. The registry is
// acquired once and released on every return path.
func (l *Loop) Run(ctx context.Context, messages []llm.Message, opts ...RunOption) (Result, error) {
	s := l.settings(opts)
	res := Result{RunID: s.runID}
	ctx = metrics.WithRunID(ctx, s.runID)
	history, _, err := DecodeHistory(messages)
	if err != nil {
		return res, err
	}

	start := time.Now()
	sm := newMachine(s.runID, s.listeners)
	l.started(s.runID, ModeServer, len(history))

	reg, err := l.source.Acquire(ctx)
	if err != nil {
		sm.finish("registry unavailable")
		return res, l.failed(s.runID, start, err)
	}
	defer l.release(s.runID, reg)

	for {
		if err := ctx.Err(); err != nil {
			sm.finish("canceled")
			return res, l.failed(s.runID, start, errorsx.Wrap(err, errorsx.ReasonCanceled))
		}
		turn, err := l.engine.RunTurn(ctx, history, reg.Tools())
		if err != nil {
			sm.finish("model error")
			return res, l.failed(s.runID, start, err)
		}
		res.Turns++
		addUsage(&res.Usage, turn.Usage)

		forced := res.ToolPhases >= l.maxTrips
		if len(turn.Calls) == 0 || forced {
			if forced && len(turn.Calls) > 0 {
				res.LimitExceeded = true
				l.limitExceeded(s.runID, res.ToolPhases, turn.Calls)
			}
			res.Text = l.bestText(turn.Text, history)
			history = append(history, llm.AssistantMessage(res.Text))
			res.Messages = history
			sm.finish("final answer")
			l.completed(s.runID, start, res.Turns, res.ToolPhases, res.LimitExceeded)
			return res, nil
		}

		if err := sm.transition(StateExecutingTools, fmt.Sprintf("%d tool calls", len(turn.Calls))); err != nil {
			return res, l.failed(s.runID, start, err)
		}
		sm.toolCalls(turn.Calls)
		results := l.invoker.InvokeAll(ctx, reg, turn.Calls)
		if err := ctx.Err(); err != nil {
			sm.finish("canceled")
			return res, l.failed(s.runID, start, errorsx.Wrap(err, errorsx.ReasonCanceled))
		}
		sm.toolResults(results)

		history = append(history,
			llm.AssistantToolMessage(turn.Text, turn.Calls),
			llm.ToolResultsMessage(results),
		)
		res.ToolCalls = append(res.ToolCalls, turn.Calls...)
		res.Results = append(res.Results, results...)
		res.ToolPhases++
		if err := sm.transition(StateAwaitingModel, "tool results appended"); err != nil {
			return res, l.failed(s.runID, start, err)
		}
	}
}

// bestText picks the turn's text, then the latest non-empty assistant text,
// then the fallback.
func (l *Loop) bestText(text string, history []llm.Message) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != llm.RoleAssistant {
			continue
		}
		if content := strings.TrimSpace(m.Content); content != "" {
			return content
		}
	}
	return l.fallback
}

func (l *Loop) release(runID string, reg *mcp.Registry) {
	if err := reg.Close(); err != nil {
		l.logger.Warn("registry_close_error", "run_id", runID, "error", err)
	}
}

func addUsage(total *llm.Usage, u llm.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}

func (l *Loop) started(runID string, mode Mode, messages int) {
	l.logger.Info("run_started", "run_id", runID, "mode", string(mode), "messages", messages)
	l.observer.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventRunStarted,
		Time: time.Now(),
		Tags: map[string]string{"component": "orchestrator", "run_id": runID, "mode": string(mode)},
	})
}

func (l *Loop) completed(runID string, start time.Time, turns, phases int, limited bool) {
	elapsed := metrics.Since(start)
	l.logger.Info("run_completed",
		"run_id", runID,
		"turns", turns,
		"tool_phases", phases,
		"limit_exceeded", limited,
		"latency_ms", elapsed,
	)
	l.observer.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventRunCompleted,
		Time:   time.Now(),
		Value:  elapsed,
		Tags:   map[string]string{"component": "orchestrator", "run_id": runID},
		Fields: map[string]any{"turns": turns, "tool_phases": phases, "limit_exceeded": limited},
	})
}

func (l *Loop) failed(runID string, start time.Time, err error) error {
	reason := errorsx.Reason(err)
	level := slog.LevelError
	if reason == errorsx.ReasonCanceled {
		level = slog.LevelInfo
	}
	l.logger.Log(context.Background(), level, "run_failed", "run_id", runID, "reason", string(reason), "error", err)
	l.observer.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventRunFailed,
		Time:  time.Now(),
		Value: metrics.Since(start),
		Tags:  map[string]string{"component": "orchestrator", "run_id": runID, "reason": string(reason)},
	})
	return err
}

func (l *Loop) limitExceeded(runID string, phases int, dropped []llm.ToolCall) {
	names := make([]string, 0, len(dropped))
	for _, c := range dropped {
		names = append(names, c.Name)
	}
	l.logger.Warn("round_trip_limit_exceeded",
		"run_id", runID,
		"reason", string(errorsx.ReasonRoundTripLimitExceeded),
		"tool_phases", phases,
		"dropped_calls", names,
	)
	l.observer.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventRoundTripLimit,
		Time:   time.Now(),
		Value:  float64(phases),
		Tags:   map[string]string{"component": "orchestrator", "run_id": runID},
		Fields: map[string]any{"dropped_calls": len(dropped)},
	})
}
