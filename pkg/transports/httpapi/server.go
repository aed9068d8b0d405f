// Package httpapi exposes the orchestration loop over HTTP and WebSocket.
package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/tala/pkg/logging"
	"github.com/harunnryd/tala/pkg/mcp"
	"github.com/harunnryd/tala/pkg/metrics"
	"github.com/harunnryd/tala/pkg/orchestrator"
	"github.com/harunnryd/tala/pkg/session"
	"github.com/harunnryd/tala/pkg/speech"
	"github.com/harunnryd/tala/pkg/tools"
	"github.com/harunnryd/tala/pkg/transports"
)

const defaultMaxBodyBytes = 1 << 20

type Config struct {
	Addr              string
	Mode              orchestrator.Mode
	ReadHeaderTimeout time.Duration
	// DrainGrace is how long in-flight runs may finish before Drain cancels them.
	DrainGrace     time.Duration
	AllowedOrigins []string
	MaxBodyBytes   int64
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Mode == "" {
		c.Mode = orchestrator.ModeServer
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}

// Deps are the collaborators a Server routes requests to. Shaper may be nil
// to disable the speech field.
type Deps struct {
	Loop     *orchestrator.Loop
	Source   mcp.Source
	Invoker  *tools.Invoker
	Shaper   *speech.Shaper
	Sessions *session.Registry
	Logger   *slog.Logger
	Observer metrics.Observer
}

type Server struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	draining atomic.Bool
}

func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Sessions == nil {
		deps.Sessions = session.NewRegistry()
	}
	if deps.Invoker == nil {
		deps.Invoker = tools.NewInvoker(0, deps.Logger, deps.Observer)
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      logging.NewComponentLogger(deps.Logger, "httpapi"),
		validate: newValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.mux = s.routes()
	return s
}

func (s *Server) Name() string { return "httpapi" }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversation", s.handleConversation)
	mux.HandleFunc("GET /conversation/stream", s.handleStream)
	mux.HandleFunc("POST /tools/execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Listen binds the configured address. Serve calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	return nil
}

// Serve blocks until Shutdown. It returns http.ErrServerClosed on a clean stop.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	srv, ln := s.server, s.listener
	s.mu.Unlock()
	s.log.Info("transport_ready", "addr", ln.Addr().String(), "mode", string(s.cfg.Mode))
	return srv.Serve(ln)
}

// Drain refuses new runs and waits for in-flight ones, canceling those still
// running after the grace period.
func (s *Server) Drain(ctx context.Context) error {
	s.draining.Store(true)
	active := s.deps.Sessions.Count()
	err := s.deps.Sessions.Drain(ctx, s.cfg.DrainGrace)
	s.log.Info("transport_drained", "active_runs", active, "error", err)
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		_ = srv.Close()
	}
	return err
}

func (s *Server) ReadyFields() map[string]any {
	fields := map[string]any{"mode": string(s.cfg.Mode)}
	s.mu.Lock()
	if s.listener != nil {
		fields["addr"] = s.listener.Addr().String()
	} else {
		fields["addr"] = s.cfg.Addr
	}
	s.mu.Unlock()
	return fields
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"mode":       string(s.cfg.Mode),
		"activeRuns": s.deps.Sessions.Count(),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		switch {
		case a == "":
			continue
		case a == "*":
			return true
		case strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://"):
			if strings.EqualFold(a, origin) {
				return true
			}
		case strings.EqualFold(a, originHost):
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

var _ transports.Transport = (*Server)(nil)
var _ transports.Drainer = (*Server)(nil)
var _ transports.ReadyReporter = (*Server)(nil)
