package orchestrator

import (
	"time"

	"github.com/harunnryd/tala/pkg/llm"
)

// State is a point in the orchestration state machine.
type State int

const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "AWAITING_MODEL"
	case StateExecutingTools:
		return "EXECUTING_TOOLS"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	RunID     string
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes run state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ToolListener is an optional extension of StateListener for tool traffic.
type ToolListener interface {
	OnToolCalls(runID string, calls []llm.ToolCall)
	OnToolResults(runID string, results []llm.ToolResult)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[State][]State{
	StateAwaitingModel:  {StateExecutingTools, StateDone},
	StateExecutingTools: {StateAwaitingModel, StateDone},
}

// machine is owned by a single run goroutine.
type machine struct {
	runID     string
	current   State
	listeners []StateListener
}

func newMachine(runID string, listeners []StateListener) *machine {
	return &machine{runID: runID, current: StateAwaitingModel, listeners: listeners}
}

func (m *machine) State() State { return m.current }

func (m *machine) transition(to State, reason string) error {
	allowed := false
	for _, s := range validTransitions[m.current] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InvalidTransitionError{From: m.current, To: to}
	}
	event := StateChange{
		RunID:     m.runID,
		FromState: m.current,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.current = to
	for _, l := range m.listeners {
		l.OnStateChange(event)
	}
	return nil
}

// finish moves to DONE unless already there.
func (m *machine) finish(reason string) {
	if m.current == StateDone {
		return
	}
	_ = m.transition(StateDone, reason)
}

func (m *machine) toolCalls(calls []llm.ToolCall) {
	for _, l := range m.listeners {
		if tl, ok := l.(ToolListener); ok {
			tl.OnToolCalls(m.runID, calls)
		}
	}
}

func (m *machine) toolResults(results []llm.ToolResult) {
	for _, l := range m.listeners {
		if tl, ok := l.(ToolListener); ok {
			tl.OnToolResults(m.runID, results)
		}
	}
}
