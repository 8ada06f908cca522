package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xelth-com/catalogsync/internal/app"
	"github.com/xelth-com/catalogsync/internal/cli"
	"github.com/xelth-com/catalogsync/internal/config"
	"github.com/xelth-com/catalogsync/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(load).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load builds the full service graph; the CLI never starts the scheduler loop
func load(ctx context.Context, opts *cli.RootOptions) (*cli.Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.Verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Format: cfg.Log.Format, Output: "stderr"})

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &cli.Services{
		Syncer:     a.Engine,
		Reconciler: a.Reconciler,
		Policies:   a.Policies,
		Seeder:     a.Scheduler,
		State:      a.States,
		Checksums:  a.Checksums,
		Recorder:   a.Scheduler,
		Runs:       a.Runs,
		Fields:     a.Schema,
		Close: func() {
			a.Close()
			_ = log.Sync()
		},
	}, nil
}
