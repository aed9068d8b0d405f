// Package tala wires configuration, providers, tool servers and the HTTP
// transport into one runnable service.
package tala

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/multierr"

	"github.com/harunnryd/tala/pkg/configutil"
	"github.com/harunnryd/tala/pkg/llm"
	"github.com/harunnryd/tala/pkg/logging"
	"github.com/harunnryd/tala/pkg/mcp"
	"github.com/harunnryd/tala/pkg/metrics"
	"github.com/harunnryd/tala/pkg/observers"
	"github.com/harunnryd/tala/pkg/orchestrator"
	"github.com/harunnryd/tala/pkg/redact"
	"github.com/harunnryd/tala/pkg/resilience"
	"github.com/harunnryd/tala/pkg/runner"
	"github.com/harunnryd/tala/pkg/session"
	"github.com/harunnryd/tala/pkg/speech"
	"github.com/harunnryd/tala/pkg/tools"
	"github.com/harunnryd/tala/pkg/transports/httpapi"
)

// Options override pieces of the wiring. Zero values use the configured ones.
type Options struct {
	Providers *ProviderRegistry
	Adapter   llm.Adapter
	Source    mcp.Source
	Logger    *slog.Logger
	// Banner receives the startup banner; nil disables it.
	Banner io.Writer
}

type App struct {
	cfg      Config
	log      *slog.Logger
	loop     *orchestrator.Loop
	server   *httpapi.Server
	runner   *runner.LifecycleRunner
	sessions *session.Registry
	async    *metrics.AsyncObserver
	jsonl    *metrics.JSONLObserver
	latency  *observers.LatencyObserver
}

func New(ctx context.Context, cfg Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	app := &App{cfg: cfg, log: logger}
	app.latency = observers.NewLatencyObserver(logging.NewComponentLogger(logger, "latency"))
	obsList := []metrics.Observer{app.latency, observers.NewLoggerObserver(logger)}
	if path := strings.TrimSpace(cfg.Observability.EventsPath); path != "" {
		jsonl, err := metrics.OpenJSONLFile(path)
		if err != nil {
			return nil, err
		}
		app.jsonl = jsonl
		obsList = append(obsList, jsonl)
	}
	app.async = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), cfg.Observability.BufferSize)
	obs := app.async

	adapter := opts.Adapter
	if adapter == nil {
		providers := opts.Providers
		if providers == nil {
			providers = DefaultProviders()
		}
		built, err := providers.BuildLLM(ctx, cfg.Model, obs)
		if err != nil {
			app.closeObservers()
			return nil, err
		}
		adapter = built
	}

	source := opts.Source
	if source == nil {
		endpoints, err := cfg.Endpoints()
		if err != nil {
			app.closeObservers()
			return nil, err
		}
		if len(endpoints) == 0 {
			if !cfg.ToolServers.Optional {
				app.closeObservers()
				return nil, errNoToolServers
			}
			logger.Warn("tool_servers_empty", "hint", "answering without tools")
		}
		source = &mcp.Dialer{
			Endpoints:      endpoints,
			ConnectTimeout: configutil.Millis(cfg.ToolServers.ConnectTimeoutMS, 10*time.Second),
			Retry: resilience.NewRetryPolicy(cfg.ToolServers.ConnectRetries,
				configutil.Millis(cfg.ToolServers.RetryBackoffMS, 0)),
			Implementation: mcpImplementation(),
			Logger:         logger,
			Observer:       obs,
		}
	}

	invoker := tools.NewInvoker(configutil.Millis(cfg.Orchestrator.ToolTimeoutMS, tools.DefaultTimeout), logger, obs)
	engine := orchestrator.NewTurnEngine(adapter, cfg.Orchestrator.SystemPrompt, logger, obs)
	app.loop = orchestrator.NewLoop(engine, source, invoker, orchestrator.Options{
		MaxRoundTrips: cfg.Orchestrator.MaxRoundTrips,
		FallbackText:  cfg.Orchestrator.FallbackText,
		Logger:        logger,
		Observer:      obs,
	})

	var shaper *speech.Shaper
	if cfg.Speech.Enabled {
		shaper = speech.NewShaper(speech.Config{
			MaxChars:     cfg.Speech.MaxChars,
			MaxSentences: cfg.Speech.MaxSentences,
			Replacements: cfg.Speech.Replacements,
		})
	}

	app.sessions = session.NewRegistry()
	app.server = httpapi.New(httpapi.Config{
		Addr:              cfg.Server.Addr,
		Mode:              cfg.Mode(),
		ReadHeaderTimeout: configutil.Millis(cfg.Server.ReadHeaderTimeoutMS, 5*time.Second),
		DrainGrace:        configutil.Millis(cfg.Server.DrainGraceMS, 0),
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
	}, httpapi.Deps{
		Loop:     app.loop,
		Source:   source,
		Invoker:  invoker,
		Shaper:   shaper,
		Sessions: app.sessions,
		Logger:   logger,
		Observer: obs,
	})

	app.runner = runner.NewLifecycleRunner(app.server, runner.Options{
		Drainer:      app.server,
		DrainTimeout: configutil.Millis(cfg.Server.ShutdownTimeoutMS, 10*time.Second),
		Logger:       logger,
		Banner:       opts.Banner,
		BannerColor:  cfg.LogFormat != "json",
		Hooks: runner.Hooks{
			OnStart: func() {
				logger.Info("tala_started", append([]any{
					"environment", cfg.Environment,
					"llm_provider", adapter.Name(),
					"max_round_trips", app.loop.MaxRoundTrips(),
				}, flatten(app.server.ReadyFields())...)...)
			},
		},
	})

	logger.Info("tala_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Model.Provider,
		"mode", string(cfg.Mode()),
		"speech", cfg.Speech.Enabled,
		"redact_pii", cfg.Privacy.RedactPII,
	)
	return app, nil
}

// Handler exposes the HTTP routes without starting a listener.
func (a *App) Handler() http.Handler { return a.server.Handler() }

func (a *App) Loop() *orchestrator.Loop { return a.loop }

func (a *App) Sessions() *session.Registry { return a.sessions }

func (a *App) Config() Config { return a.cfg }

// Run serves until ctx is done, then drains in-flight runs and flushes
// metrics sinks.
func (a *App) Run(ctx context.Context) error {
	err := a.runner.Run(ctx)
	return multierr.Append(err, a.closeObservers())
}

// Close flushes observers without running the server.
func (a *App) Close() error {
	return a.closeObservers()
}

func (a *App) closeObservers() error {
	if a.async != nil {
		a.async.Close()
		if dropped := a.async.Dropped(); dropped > 0 {
			a.log.Warn("metrics_dropped", "count", dropped)
		}
		a.async = nil
	}
	if a.jsonl != nil {
		err := a.jsonl.Close()
		a.jsonl = nil
		return err
	}
	return nil
}

func mcpImplementation() *mcpsdk.Implementation {
	return &mcpsdk.Implementation{Name: "tala", Version: runner.Version}
}

func flatten(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
