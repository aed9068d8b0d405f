package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/multierr"

	"github.com/harunnryd/tala/pkg/errorsx"
	"github.com/harunnryd/tala/pkg/logging"
	"github.com/harunnryd/tala/pkg/metrics"
	"github.com/harunnryd/tala/pkg/resilience"
)

// Dialer opens a fresh registry per request from a fixed endpoint list.
// A Dialer holds no connections itself and is safe for concurrent use.
type Dialer struct {
	Endpoints      []Endpoint
	ConnectTimeout time.Duration
	Retry          resilience.RetryPolicy
	Implementation *mcpsdk.Implementation
	Logger         *slog.Logger
	Observer       metrics.Observer
}

// Source yields a connected registry. The caller owns the registry and must
// close it.
type Source interface {
	Acquire(ctx context.Context) (*Registry, error)
	AcquireOne(ctx context.Context, serverID string) (*Registry, error)
}

// SourceFunc adapts a function to Source. An empty serverID means all.
type SourceFunc func(ctx context.Context, serverID string) (*Registry, error)

func (f SourceFunc) Acquire(ctx context.Context) (*Registry, error) { return f(ctx, "") }

func (f SourceFunc) AcquireOne(ctx context.Context, serverID string) (*Registry, error) {
	return f(ctx, serverID)
}

// Acquire connects every endpoint. Any failure closes what was opened and
// returns a registry_unavailable error.
func (d *Dialer) Acquire(ctx context.Context) (*Registry, error) {
	return d.connect(ctx, d.Endpoints)
}

// AcquireOne connects a single endpoint by id, or all of them when id is empty.
func (d *Dialer) AcquireOne(ctx context.Context, serverID string) (*Registry, error) {
	if serverID == "" {
		return d.Acquire(ctx)
	}
	for _, ep := range d.Endpoints {
		if ep.ID == serverID {
			return d.connect(ctx, []Endpoint{ep})
		}
	}
	return nil, errorsx.New(errorsx.ReasonInvalidRequest, "unknown tool server %q", serverID)
}

func (d *Dialer) connect(ctx context.Context, endpoints []Endpoint) (*Registry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonCanceled)
	}
	start := time.Now()
	logger := logging.NewComponentLogger(d.Logger, "mcp")

	type dialed struct {
		srv *remoteServer
		err error
	}
	mapper := iter.Mapper[Endpoint, dialed]{MaxGoroutines: max(len(endpoints), 1)}
	out := mapper.Map(endpoints, func(ep *Endpoint) dialed {
		srv, err := d.dial(ctx, *ep)
		if err != nil {
			err = fmt.Errorf("%s: %w", ep.ID, err)
		}
		return dialed{srv: srv, err: err}
	})

	var servers []Server
	var dialErr error
	for _, o := range out {
		if o.err != nil {
			dialErr = multierr.Append(dialErr, o.err)
			continue
		}
		servers = append(servers, o.srv)
	}
	if dialErr != nil {
		for _, s := range servers {
			_ = s.Close()
		}
		logger.Warn("registry_connect_failed", "servers", len(endpoints), "error", dialErr)
		if ctx.Err() != nil {
			return nil, errorsx.Wrap(fmt.Errorf("connect tool servers: %w", ctx.Err()), errorsx.ReasonCanceled)
		}
		return nil, errorsx.Wrap(fmt.Errorf("connect tool servers: %w", dialErr), errorsx.ReasonRegistryUnavailable)
	}

	reg, err := NewRegistry(servers...)
	if err != nil {
		logger.Warn("registry_rejected", "error", err)
		return nil, err
	}
	metrics.OrNoop(d.Observer).RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventRegistryConnected,
		Time:  time.Now(),
		Value: metrics.Since(start),
		Tags:  map[string]string{"component": "mcp"},
		Fields: map[string]any{
			"servers": len(servers),
			"tools":   len(reg.tools),
		},
	})
	logger.Debug("registry_connected", "servers", len(servers), "tools", len(reg.tools))
	return reg, nil
}

func (d *Dialer) dial(ctx context.Context, ep Endpoint) (*remoteServer, error) {
	var srv *remoteServer
	err := d.Retry.Do(ctx, func(ctx context.Context) error {
		s, err := d.dialOnce(ctx, ep)
		if err != nil {
			return err
		}
		srv = s
		return nil
	})
	return srv, err
}

// dialOnce binds the session to ctx for its whole life; the connect timeout
// only applies until tools are listed.
func (d *Dialer) dialOnce(ctx context.Context, ep Endpoint) (*remoteServer, error) {
	transport, err := transportBuilder(ep)
	if err != nil {
		return nil, err
	}
	connCtx, release := context.WithCancel(ctx)
	var timer *time.Timer
	if d.ConnectTimeout > 0 {
		timer = time.AfterFunc(d.ConnectTimeout, release)
	}
	expired := func() bool { return timer != nil && !timer.Stop() }

	client := mcpsdk.NewClient(d.implementation(), nil)
	session, err := client.Connect(connCtx, transport, nil)
	if err != nil {
		timedOut := expired()
		release()
		if timedOut {
			return nil, fmt.Errorf("connect timed out after %s", d.ConnectTimeout)
		}
		return nil, err
	}
	srv := &remoteServer{id: ep.ID, session: session, release: release}
	if err := srv.listTools(connCtx); err != nil {
		timedOut := expired()
		_ = srv.Close()
		if timedOut {
			return nil, fmt.Errorf("list tools timed out after %s", d.ConnectTimeout)
		}
		return nil, fmt.Errorf("list tools: %w", err)
	}
	if expired() {
		_ = srv.Close()
		return nil, errors.New("connect timed out after " + d.ConnectTimeout.String())
	}
	return srv, nil
}

func (d *Dialer) implementation() *mcpsdk.Implementation {
	if d.Implementation != nil {
		return d.Implementation
	}
	return &mcpsdk.Implementation{Name: "tala", Version: "dev"}
}
