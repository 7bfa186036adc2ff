// Package main is the entry point for the Sweeper Lambda function.
//
// An EventBridge rule (daily at 00:00 UTC) sends a MaintenancePayload and the
// handler runs the matching maintenance task. The retention sweep takes its
// own job lock and records job history, so overlapping invocations are safe.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"hermes/internal/app"
	"hermes/internal/scheduler"
)

// RetentionService deletes stale configurations. Implemented by
// scheduler.RetentionSweeper.
type RetentionService interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Handler holds the dependencies of the Lambda handler.
type Handler struct {
	Retention RetentionService
	Logger    *slog.Logger
	Now       func() time.Time
}

// Handle runs the task named in payload. An empty task defaults to the
// retention sweep.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := h.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	now := nowFn().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	task := payload.Task
	if task == "" {
		task = scheduler.TaskRetentionSweep
	}

	logger.InfoContext(ctx, "sweeper handler invoked",
		"task", task,
		"reference_time", now.Format(time.RFC3339),
	)

	switch task {
	case scheduler.TaskRetentionSweep:
		deleted, err := h.Retention.Sweep(ctx, now)
		if err != nil {
			return "", fmt.Errorf("task %s failed after %d deletions: %w", task, deleted, err)
		}
		return fmt.Sprintf("task %s complete: %d configurations deleted", task, deleted), nil
	default:
		return "", fmt.Errorf("unknown task type: %q", task)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("Sweeper Lambda initializing (cold start)")

	cfg, err := app.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = app.NewLogger(cfg.LogLevel)

	components, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build components", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		Retention: components.Sweeper(),
		Logger:    logger,
	}
	logger.Info("Sweeper Lambda initialized",
		"worker_id", cfg.Scheduler.InstanceID,
		"retention_window", cfg.Retention.Window,
	)

	lambda.Start(handler.Handle)
}
