// Package main is the entry point for the Hermes API server.
//
// It loads configuration, wires the monitor services onto the core chassis
// and serves HTTP until SIGINT or SIGTERM. With SCHEDULER_EMBEDDED=true it
// also runs the polling scheduler and the cron-driven retention sweep in the
// same process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"hermes/internal/api/handlers"
	"hermes/internal/app"
	"hermes/internal/core"
	"hermes/internal/telemetry"
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
	slog.SetDefault(logger)
	logger.Info("hermes API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"scheduler_embedded", cfg.Scheduler.Embedded,
		"metrics_backend", cfg.Observability.MetricsBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building components: %w", err)
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		components.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.OnShutdown(components.Close)
	srv.Metrics = components.Metrics
	srv.HealthProbes = []core.HealthProbe{
		core.PingProbe{ProbeName: "database", Target: components.Pool},
	}
	if prom, ok := components.Metrics.(*telemetry.PrometheusRecorder); ok {
		srv.MetricsHandler = prom.Handler()
	}

	sched := components.Scheduler()
	monitors := handlers.NewMonitorHandler(
		components.Validator(),
		sched,
		components.Retrieval(),
		srv.Validator,
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, monitors.RegisterRoutes)
	srv.MountRoutes()

	var background sync.WaitGroup
	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	if cfg.Scheduler.Embedded {
		sweeps := cron.New(cron.WithLocation(time.UTC))
		if err := scheduleSweeps(bgCtx, sweeps, cfg.Retention.Schedule, components.Sweeper(), logger); err != nil {
			_ = srv.Shutdown(context.Background())
			return err
		}
		sweeps.Start()
		srv.OnShutdown(func() error {
			<-sweeps.Stop().Done()
			return nil
		})

		background.Add(1)
		go func() {
			defer background.Done()
			if err := sched.Run(bgCtx); err != nil {
				logger.Error("scheduler stopped", "error", err)
			}
		}()
	}

	err = runHTTPServer(ctx, srv, cfg.Server.Port, cfg.Server.ShutdownTimeout, logger)

	cancelBackground()
	background.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = fmt.Errorf("server shutdown: %w", shutdownErr)
	}
	if err == nil {
		logger.Info("server stopped cleanly")
	}
	return err
}

// Sweeper runs one retention pass. Implemented by
// scheduler.RetentionSweeper.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// scheduleSweeps registers the retention sweep on c at spec (standard
// five-field cron, UTC). Failures are logged; the next run retries.
func scheduleSweeps(ctx context.Context, c *cron.Cron, spec string, sweeper Sweeper, logger *slog.Logger) error {
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := sweeper.Sweep(ctx, time.Now().UTC()); err != nil {
			logger.ErrorContext(ctx, "scheduled retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", spec, err)
	}
	logger.Info("retention sweep scheduled", "schedule", spec)
	return nil
}

// runHTTPServer serves until ctx is cancelled or the listener fails, then
// drains in-flight requests within shutdownTimeout.
func runHTTPServer(ctx context.Context, srv *core.Server, port string, shutdownTimeout time.Duration, logger *slog.Logger) error {
	addr := ":" + port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	return nil
}
