// Package session tracks the orchestration runs currently in flight so the
// process can drain them on shutdown.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDraining is returned by Begin once Drain has started.
var ErrDraining = errors.New("session registry is draining")

type Run struct {
	ID      string
	Mode    string
	Created time.Time
	cancel  context.CancelFunc
}

type Registry struct {
	runs     sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Begin registers a run and returns a child context that Drain cancels.
// The returned end func must be called when the run finishes.
func (r *Registry) Begin(ctx context.Context, id, mode string) (context.Context, func(), error) {
	if r.draining.Load() {
		return nil, nil, ErrDraining
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{ID: id, Mode: mode, Created: time.Now(), cancel: cancel}
	if _, loaded := r.runs.LoadOrStore(id, run); loaded {
		cancel()
		return nil, nil, errors.New("run already registered: " + id)
	}
	r.count.Add(1)
	var once sync.Once
	end := func() {
		once.Do(func() { r.remove(id) })
	}
	return runCtx, end, nil
}

func (r *Registry) Get(id string) (*Run, bool) {
	if v, ok := r.runs.Load(id); ok {
		return v.(*Run), true
	}
	return nil, false
}

// Cancel stops a single run. It reports whether the run was active.
func (r *Registry) Cancel(id string) bool {
	v, ok := r.runs.Load(id)
	if !ok {
		return false
	}
	v.(*Run).cancel()
	return true
}

func (r *Registry) remove(id string) {
	if v, ok := r.runs.LoadAndDelete(id); ok {
		v.(*Run).cancel()
		r.count.Add(-1)
	}
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// CancelAll cancels every active run without waiting for them to finish.
func (r *Registry) CancelAll() {
	r.runs.Range(func(_, value any) bool {
		value.(*Run).cancel()
		return true
	})
}

// Drain refuses new runs, waits up to grace for active ones to finish, then
// cancels whatever is left and waits for those to unwind.
func (r *Registry) Drain(ctx context.Context, grace time.Duration) error {
	r.draining.Store(true)
	if grace > 0 {
		graceCtx, cancel := context.WithTimeout(ctx, grace)
		done := r.WaitForEmpty(graceCtx, 0)
		cancel()
		if done {
			return nil
		}
	}
	r.CancelAll()
	if !r.WaitForEmpty(ctx, 0) {
		return ctx.Err()
	}
	return nil
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return r.Count() == 0
		case <-ticker.C:
		}
	}
}
