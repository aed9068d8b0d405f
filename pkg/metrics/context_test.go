package metrics

import (
	"context"
	"testing"
)

func TestRunTags(t *testing.T) {
	if got := RunTags(context.Background(), nil); got != nil {
		t.Fatalf("expected nil tags without run id, got %v", got)
	}
	ctx := WithRunID(context.Background(), "run-1")
	if RunID(ctx) != "run-1" {
		t.Fatalf("unexpected run id %q", RunID(ctx))
	}
	tags := RunTags(ctx, map[string]string{"component": "tools"})
	if tags["run_id"] != "run-1" || tags["component"] != "tools" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if got := RunTags(ctx, nil); got["run_id"] != "run-1" {
		t.Fatalf("expected tags allocated, got %v", got)
	}
}
