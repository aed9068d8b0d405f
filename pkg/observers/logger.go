package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/tala/pkg/metrics"
)

// LoggerObserver writes metrics events as log lines keyed by run. Events
// that signal degraded runs are logged at warn, everything else at debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

var warnEvents = map[string]bool{
	metrics.EventRoundTripLimit: true,
	metrics.EventRateLimit:      true,
	metrics.EventBreakerOpen:    true,
	metrics.EventBreakerDenied:  true,
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	if warnEvents[ev.Name] {
		level = slog.LevelWarn
	}
	if !o.log.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(ev.Tags)+4)
	attrs = append(attrs, slog.String("event", ev.Name))
	if id := ev.Tags["run_id"]; id != "" {
		attrs = append(attrs, slog.String("run_id", id))
	}
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	keys := make([]string, 0, len(ev.Tags))
	for k := range ev.Tags {
		if k != "run_id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	if len(ev.Fields) > 0 {
		fields := make([]any, 0, len(ev.Fields)*2)
		for k, v := range ev.Fields {
			fields = append(fields, k, v)
		}
		attrs = append(attrs, slog.Group("fields", fields...))
	}
	o.log.LogAttrs(context.Background(), level, "metrics", attrs...)
}

type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
