package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/tala/pkg/runner"
	"github.com/harunnryd/tala/pkg/tala"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	noBanner := flag.Bool("no_banner", false, "skip the startup banner")
	flag.Parse()

	if *showVersion {
		fmt.Println(runner.Version)
		return
	}

	cfg, err := tala.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := tala.Options{}
	if !*noBanner {
		opts.Banner = os.Stdout
	}
	app, err := tala.New(ctx, cfg, opts)
	if err != nil {
		slog.Error("tala_init_failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown_signal", "signal", sig.String())
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		slog.Error("tala_stopped_with_error", "error", err)
		os.Exit(1)
	}
}
