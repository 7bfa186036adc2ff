// Package main is the entry point for a dedicated Hermes poller.
//
// A poller runs only the scheduler loop: no HTTP API and no retention
// sweep. Any number of pollers may share one database; the per-firing claim
// keeps each boundary to a single call. Deploy pollers with
// SCHEDULER_EMBEDDED=false on the API instances.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hermes/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building components: %w", err)
	}
	defer components.Close()

	sched := components.Scheduler()
	logger.Info("hermes poller starting",
		"worker_id", sched.WorkerID(),
		"tick_interval", cfg.Scheduler.TickInterval,
		"concurrency", cfg.Scheduler.Concurrency,
		"version", cfg.Build.Version,
	)

	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	logger.Info("hermes poller stopped")
	return nil
}
