package mcp

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/llm"
)

// Registry is the merged tool set of one request's connected servers.
// It owns the servers and closes them exactly once.
type Registry struct {
	servers []Server
	tools   []Capability
	index   map[string]Capability

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// NewRegistry merges the servers' tools. A tool name exposed by two servers
// is rejected with tool_conflict; every server is closed in that case.
func NewRegistry(servers ...Server) (*Registry, error) {
	r := &Registry{servers: servers, index: make(map[string]Capability)}
	owner := make(map[string]string)
	for _, srv := range servers {
		for _, c := range srv.Capabilities() {
			name := c.Descriptor().Name
			if prev, dup := owner[name]; dup {
				err := errorsx.New(errorsx.ReasonToolConflict,
					"tool %q exposed by both %q and %q", name, prev, srv.ID())
				return nil, multierr.Append(err, r.Close())
			}
			owner[name] = srv.ID()
			r.index[name] = c
			r.tools = append(r.tools, c)
		}
	}
	return r, nil
}

// Tools lists descriptors in server order, then listing order.
func (r *Registry) Tools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.tools))
	for _, c := range r.tools {
		out = append(out, c.Descriptor())
	}
	return out
}

// Lookup finds a capability by tool name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	c, ok := r.index[name]
	return c, ok
}

// Servers returns the ids of the connected servers.
func (r *Registry) Servers() []string {
	ids := make([]string, 0, len(r.servers))
	for _, s := range r.servers {
		ids = append(ids, s.ID())
	}
	return ids
}

// Close releases every server. Later calls return the first result.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		for _, s := range r.servers {
			r.closeErr = multierr.Append(r.closeErr, s.Close())
		}
	})
	return r.closeErr
}

func (r *Registry) Closed() bool { return r.closed.Load() }
