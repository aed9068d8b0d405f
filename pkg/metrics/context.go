package metrics

import "context"

type runIDKey struct{}

// WithRunID tags ctx so events recorded below it can be grouped by run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID returns the run id carried by ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// RunTags returns tags with run_id added when ctx carries one.
func RunTags(ctx context.Context, tags map[string]string) map[string]string {
	if id := RunID(ctx); id != "" {
		if tags == nil {
			tags = make(map[string]string, 1)
		}
		tags["run_id"] = id
	}
	return tags
}
