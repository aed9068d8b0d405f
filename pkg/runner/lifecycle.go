package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/harunnryd/tala/pkg/logging"
)

var ErrDrainTimeout = errors.New("drain timeout")

type Options struct {
	Drainer      Drainer
	Hooks        Hooks
	DrainTimeout time.Duration
	Logger       *slog.Logger
	// Banner is written on start when set.
	Banner      io.Writer
	BannerColor bool
}

type LifecycleRunner struct {
	state    int32
	svc      Service
	opts     Options
	log      *slog.Logger
	cancel   context.CancelFunc
	mu       sync.Mutex
	onceStop sync.Once
	stopErr  error
}

func NewLifecycleRunner(svc Service, opts Options) *LifecycleRunner {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state: int32(StateNew),
		svc:   svc,
		opts:  opts,
		log:   logging.NewComponentLogger(opts.Logger, "runner"),
	}
}

// Run serves until ctx is canceled, Stop is called or the service fails,
// then drains and shuts the service down.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("invalid state transition")
	}
	if r.opts.Banner != nil {
		PrintBanner(r.opts.Banner, r.opts.BannerColor)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- r.svc.Serve()
	}()
	if r.opts.Hooks.OnStart != nil {
		r.opts.Hooks.OnStart()
	}
	r.setState(StateRunning)
	r.log.Info("runner_started")

	var err error
	select {
	case <-runCtx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			r.log.Error("service_failed", "error", err)
		}
	}
	return multierr.Append(err, r.stop())
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.DrainTimeout)
		defer cancel()
		var errs error
		if r.opts.Drainer != nil {
			if err := r.opts.Drainer.Drain(ctx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					err = ErrDrainTimeout
				}
				errs = multierr.Append(errs, err)
			}
		}
		if err := r.svc.Shutdown(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrDrainTimeout
			}
			errs = multierr.Append(errs, err)
		}
		if r.opts.Hooks.OnStop != nil {
			r.opts.Hooks.OnStop()
		}
		r.stopErr = errs
		r.setState(StateStopped)
		r.log.Info("runner_stopped", "drain_ms", time.Since(start).Milliseconds(), "error", errs)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}

var _ Runner = (*LifecycleRunner)(nil)
