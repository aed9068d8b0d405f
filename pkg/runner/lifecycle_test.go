package runner

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeService struct {
	stop      chan struct{}
	serveErr  error
	shutdowns atomic.Int32
}

func newFakeService() *fakeService {
	return &fakeService{stop: make(chan struct{})}
}

func (s *fakeService) Serve() error {
	if s.serveErr != nil {
		return s.serveErr
	}
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeService) Shutdown(context.Context) error {
	if s.shutdowns.Add(1) == 1 && s.serveErr == nil {
		close(s.stop)
	}
	return nil
}

type drainFunc func(ctx context.Context) error

func (f drainFunc) Drain(ctx context.Context) error { return f(ctx) }

func TestRunStopsOnContextCancel(t *testing.T) {
	svc := newFakeService()
	var drained, started, stopped atomic.Bool
	r := NewLifecycleRunner(svc, Options{
		Drainer: drainFunc(func(context.Context) error { drained.Store(true); return nil }),
		Hooks: Hooks{
			OnStart: func() { started.Store(true) },
			OnStop:  func() { stopped.Store(true) },
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop")
	}
	if !drained.Load() || !started.Load() || !stopped.Load() {
		t.Fatalf("expected drain and hooks to run")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if svc.shutdowns.Load() != 1 {
		t.Fatalf("expected one shutdown, got %d", svc.shutdowns.Load())
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected second run to fail")
	}
}

func TestDrainTimeout(t *testing.T) {
	svc := newFakeService()
	r := NewLifecycleRunner(svc, Options{
		DrainTimeout: 20 * time.Millisecond,
		Drainer: drainFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Run(ctx)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestServiceFailureStopsRunner(t *testing.T) {
	svc := newFakeService()
	svc.serveErr = errors.New("listen tcp: address in use")
	r := NewLifecycleRunner(svc, Options{})
	err := r.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "address in use") {
		t.Fatalf("expected serve error, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, false)
	if !strings.Contains(buf.String(), "Version: "+Version) {
		t.Fatalf("expected version line, got %q", buf.String())
	}
}
