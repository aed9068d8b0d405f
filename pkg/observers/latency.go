package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/tala/pkg/metrics"
)

// RunLatency is the per-run breakdown logged when a run ends.
type RunLatency struct {
	RunID            string
	ModelMS          float64
	ToolMS           float64
	TotalMS          float64
	Turns            int
	ToolCalls        int
	ToolErrors       int
	PromptTokens     int
	CompletionTokens int
	Failed           bool
}

// LatencyObserver accumulates model and tool time per run id and emits one
// run_latency line when the run completes or fails.
type LatencyObserver struct {
	mu   sync.Mutex
	runs map[string]*RunLatency
	last RunLatency
	log  *slog.Logger
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		runs: make(map[string]*RunLatency),
		log:  log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	runID := ""
	if ev.Tags != nil {
		runID = ev.Tags["run_id"]
	}
	if runID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.runs[runID]
	if r == nil {
		r = &RunLatency{RunID: runID}
		o.runs[runID] = r
	}
	switch ev.Name {
	case metrics.EventTurnCompleted:
		r.Turns++
		r.ModelMS += ev.Value
		r.PromptTokens += intField(ev.Fields, "prompt_tokens")
		r.CompletionTokens += intField(ev.Fields, "completion_tokens")
	case metrics.EventToolInvoked:
		r.ToolCalls++
		r.ToolMS += ev.Value
		if ev.Tags["status"] != "ok" {
			r.ToolErrors++
		}
	case metrics.EventRunCompleted, metrics.EventRunFailed:
		r.TotalMS = ev.Value
		r.Failed = ev.Name == metrics.EventRunFailed
		o.logLocked(r)
		o.last = *r
		delete(o.runs, runID)
	}
}

// Last returns the most recently finished run.
func (o *LatencyObserver) Last() RunLatency {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Pending reports how many runs have events but no terminal event yet.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

func (o *LatencyObserver) logLocked(r *RunLatency) {
	o.log.Info("run_latency",
		"run_id", r.RunID,
		"turns", r.Turns,
		"tool_calls", r.ToolCalls,
		"tool_errors", r.ToolErrors,
		"model_ms", r.ModelMS,
		"tool_ms", r.ToolMS,
		"total_ms", r.TotalMS,
		"overhead_ms", overhead(r),
		"prompt_tokens", r.PromptTokens,
		"completion_tokens", r.CompletionTokens,
		"failed", r.Failed,
	)
}

// overhead is time not spent waiting on the model or tools. Tool calls in
// one phase overlap, so it can be negative for parallel phases.
func overhead(r *RunLatency) float64 {
	return r.TotalMS - r.ModelMS - r.ToolMS
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*LatencyObserver)(nil)
