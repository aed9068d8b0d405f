package transports

import "context"

// Transport is the network boundary in front of the orchestration loop.
// Implementations own their listener lifecycle.
type Transport interface {
	Name() string
	Serve() error
	Shutdown(ctx context.Context) error
}

// Drainer lets a transport finish or cancel in-flight runs before shutdown.
type Drainer interface {
	Drain(ctx context.Context) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., listen address).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
