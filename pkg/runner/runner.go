package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Service is the long-running unit a runner supervises. Serve blocks until
// Shutdown is called or the service fails.
type Service interface {
	Serve() error
	Shutdown(ctx context.Context) error
}

// Drainer finishes or cancels in-flight work before the service shuts down.
type Drainer interface {
	Drain(ctx context.Context) error
}

var Version = "dev"

func PrintBanner(w io.Writer, color bool) {
	tpl := "{{ .Title \"TALA\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, color, bytes.NewBufferString(tpl))
}
