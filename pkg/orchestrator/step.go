package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/metrics"
)

// StepResult is the outcome of one client-visible step. When Done is false,
// Message carries TOOL_CALL lines for Pending and the caller resubmits the
// history with a TOOL_RESULT message appended.
type StepResult struct {
	RunID         string
	Text          string
	Message       llm.Message
	Pending       []llm.ToolCall
	Done          bool
	Turns         int
	ToolPhases    int
	LimitExceeded bool
	Resumed       *Resume
	Usage         llm.Usage
}

// Step performs a single AWAITING_MODEL step over a resubmitted history.
// Tool execution is delegated to the caller.
func (l *Loop) Step(ctx context.Context, messages []llm.Message, opts ...RunOption) (StepResult, error) {
	s := l.settings(opts)
	res := StepResult{RunID: s.runID}
	ctx = metrics.WithRunID(ctx, s.runID)
	history, resume, err := DecodeHistory(messages)
	if err != nil {
		return res, err
	}
	res.Resumed = resume
	res.ToolPhases = toolPhases(history)

	start := time.Now()
	sm := newMachine(s.runID, s.listeners)
	l.started(s.runID, ModeClient, len(history))
	if resume != nil {
		sm.toolResults(resume.Results)
	}

	if err := ctx.Err(); err != nil {
		sm.finish("canceled")
		return res, l.failed(s.runID, start, errorsx.Wrap(err, errorsx.ReasonCanceled))
	}
	reg, err := l.source.Acquire(ctx)
	if err != nil {
		sm.finish("registry unavailable")
		return res, l.failed(s.runID, start, err)
	}
	defer l.release(s.runID, reg)

	turn, err := l.engine.RunTurn(ctx, history, reg.Tools())
	if err != nil {
		sm.finish("model error")
		return res, l.failed(s.runID, start, err)
	}
	res.Turns = 1
	res.Usage = turn.Usage

	forced := res.ToolPhases >= l.maxTrips
	if len(turn.Calls) == 0 || forced {
		if forced && len(turn.Calls) > 0 {
			res.LimitExceeded = true
			l.limitExceeded(s.runID, res.ToolPhases, turn.Calls)
		}
		res.Text = l.bestText(turn.Text, history)
		res.Message = llm.AssistantMessage(res.Text)
		res.Done = true
		sm.finish("final answer")
		l.completed(s.runID, start, res.Turns, res.ToolPhases, res.LimitExceeded)
		return res, nil
	}

	res.Text = turn.Text
	res.Pending = turn.Calls
	res.Message = llm.AssistantToolMessage(turn.Text, turn.Calls)
	if err := sm.transition(StateExecutingTools, fmt.Sprintf("%d tool calls delegated", len(turn.Calls))); err != nil {
		return res, l.failed(s.runID, start, err)
	}
	sm.toolCalls(turn.Calls)
	l.logger.Info("tool_calls_pending", "run_id", s.runID, "calls", len(turn.Calls), "tool_phases", res.ToolPhases)
	return res, nil
}
